package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/ssl"
)

// http2Strategy manages client sessions: one pool entry per transport
// connection, with stream accounting driven by the adapter.
type http2Strategy struct{}

// NewHTTP2Pool builds a session pool for the http2 server.
func NewHTTP2Pool(name string, cfg config.PoolConfig, log *logging.Logger) (*Pool, error) {
	return New(name, config.HTTP2, &http2Strategy{}, cfg, log)
}

func (s *http2Strategy) Validate(conn Conn, meta *Meta) error {
	c, ok := conn.(net.Conn)
	if !ok || c == nil {
		return fmt.Errorf("pool: handle %T is not a net.Conn", conn)
	}
	if meta.RemoteAddr == "" && c.RemoteAddr() != nil {
		meta.RemoteAddr = c.RemoteAddr().String()
	}
	// Sessions arrive over TLS in the common case; h2c is plain TCP.
	if tc, ok := c.(*tls.Conn); ok {
		state := tc.ConnectionState()
		if !state.HandshakeComplete {
			return fmt.Errorf("pool: tls handshake not complete for %s", meta.RemoteAddr)
		}
		meta.TLS = &TLSMeta{
			Version:     ssl.VersionName(state.Version),
			CipherSuite: ssl.CipherSuiteName(state.CipherSuite),
			ServerName:  state.ServerName,
			Authorized:  len(state.PeerCertificates) == 0 || len(state.VerifiedChains) > 0,
		}
	}
	meta.HTTP2 = &HTTP2Meta{}
	return nil
}

// Healthy treats a draining session as unfit for new work and a session
// idle past two keepalive windows as dead.
func (s *http2Strategy) Healthy(conn Conn, meta Meta, cfg config.PoolConfig) bool {
	if _, ok := conn.(net.Conn); !ok {
		return false
	}
	if meta.HTTP2 == nil || meta.HTTP2.Draining {
		return false
	}
	window := orDefault(cfg.HTTP2.KeepAliveTime.Std(), 30*time.Second)
	return time.Since(meta.LastActivity) <= 2*window
}

// CloseGraceful lets running streams finish, then half-closes the session's
// transport. GOAWAY itself is the native server's job during Shutdown; this
// path is the pool-level backstop.
func (s *http2Strategy) CloseGraceful(ctx context.Context, p *Pool, conn Conn, meta Meta) error {
	for p.ActiveStreams(conn) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return (&socketStrategy{secure: meta.TLS != nil}).CloseGraceful(ctx, p, conn, meta)
}

func (s *http2Strategy) Cleanup(conn Conn, _ Meta, _ string) {
	if c, ok := conn.(net.Conn); ok {
		_ = c.Close()
	}
}

// IdleTimeout is zero: the staleness task owns session eviction so an open
// session with long-lived streams is never reaped by the generic timer.
func (s *http2Strategy) IdleTimeout(config.PoolConfig) time.Duration { return 0 }

// Tasks returns the stale-session sweeper. Sessions with no running streams
// and no activity for a full keepalive window are removed.
func (s *http2Strategy) Tasks(p *Pool) []monitor.Task {
	window := orDefault(p.Config().HTTP2.KeepAliveTime.Std(), 30*time.Second)
	task := monitor.NewTask(p.Name()+":stale_sessions", window, func(context.Context) error {
		for _, conn := range p.Conns() {
			meta, ok := p.MetaOf(conn)
			if !ok || meta.HTTP2 == nil {
				continue
			}
			if meta.HTTP2.ActiveStreams > 0 {
				continue
			}
			if time.Since(meta.LastActivity) > window {
				p.Remove(conn, "stale_session")
			}
		}
		return nil
	})
	task.Priority = 4
	task.Description = "removes idle http2 sessions that outlived the keepalive window"
	return []monitor.Task{task}
}

// ─── Session helpers used by the http2 adapter ────────────────────────────────

// StreamOpened counts a new stream on the session and refreshes activity.
func (p *Pool) StreamOpened(conn Conn) {
	p.withEntry(conn, func(e *entry) {
		if e.meta.HTTP2 != nil {
			e.meta.HTTP2.ActiveStreams++
		}
		e.meta.LastActivity = time.Now()
	})
}

// StreamClosed releases one stream on the session.
func (p *Pool) StreamClosed(conn Conn) {
	p.withEntry(conn, func(e *entry) {
		if e.meta.HTTP2 != nil && e.meta.HTTP2.ActiveStreams > 0 {
			e.meta.HTTP2.ActiveStreams--
		}
		e.meta.LastActivity = time.Now()
	})
}

// ActiveStreams returns the session's running stream count, zero if absent.
func (p *Pool) ActiveStreams(conn Conn) int {
	n := 0
	p.withEntry(conn, func(e *entry) {
		if e.meta.HTTP2 != nil {
			n = e.meta.HTTP2.ActiveStreams
		}
	})
	return n
}

// MarkSessionDraining flags a session that saw GOAWAY: running streams may
// finish, new ones are refused by the adapter.
func (p *Pool) MarkSessionDraining(conn Conn) {
	p.withEntry(conn, func(e *entry) {
		if e.meta.HTTP2 != nil {
			e.meta.HTTP2.Draining = true
		}
	})
}
