package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/ssl"
)

// tlsHalfCloseWait bounds the post-CloseWrite wait for the peer's
// close_notify during graceful close.
const tlsHalfCloseWait = time.Second

// socketStrategy manages raw sockets for the http and https servers. Secure
// pools additionally require a completed TLS handshake at admission and
// record the negotiated parameters.
type socketStrategy struct {
	secure bool
}

// NewSocketPool builds a pool for plain or TLS sockets. The protocol decides
// whether admission requires a finished handshake.
func NewSocketPool(name string, protocol config.Protocol, cfg config.PoolConfig, log *logging.Logger) (*Pool, error) {
	return New(name, protocol, &socketStrategy{secure: protocol.Secure()}, cfg, log)
}

func (s *socketStrategy) Validate(conn Conn, meta *Meta) error {
	c, ok := conn.(net.Conn)
	if !ok || c == nil {
		return fmt.Errorf("pool: handle %T is not a net.Conn", conn)
	}
	if meta.RemoteAddr == "" && c.RemoteAddr() != nil {
		meta.RemoteAddr = c.RemoteAddr().String()
	}
	if !s.secure {
		return nil
	}

	tc, ok := c.(*tls.Conn)
	if !ok {
		return fmt.Errorf("pool: secure pool requires a tls connection, got %T", conn)
	}
	state := tc.ConnectionState()
	if !state.HandshakeComplete || state.CipherSuite == 0 {
		return fmt.Errorf("pool: tls handshake not complete for %s", meta.RemoteAddr)
	}
	meta.TLS = &TLSMeta{
		Version:     ssl.VersionName(state.Version),
		CipherSuite: ssl.CipherSuiteName(state.CipherSuite),
		ServerName:  state.ServerName,
		Authorized:  len(state.PeerCertificates) == 0 || len(state.VerifiedChains) > 0,
	}
	return nil
}

func (s *socketStrategy) Healthy(conn Conn, meta Meta, cfg config.PoolConfig) bool {
	if _, ok := conn.(net.Conn); !ok {
		return false
	}
	if idle := cfg.ConnectionTimeout.Std(); idle > 0 && time.Since(meta.LastActivity) > idle {
		return false
	}
	if s.secure {
		return meta.TLS != nil && meta.TLS.Authorized
	}
	return true
}

// CloseGraceful half-closes the write side and waits briefly for the peer
// to finish (close_notify for TLS, FIN for plain TCP), then closes hard.
func (s *socketStrategy) CloseGraceful(ctx context.Context, _ *Pool, conn Conn, _ Meta) error {
	c, ok := conn.(net.Conn)
	if !ok {
		return nil
	}
	deadline := time.Now().Add(tlsHalfCloseWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			// Drain until the peer closes or the deadline cuts us off.
			_ = c.SetReadDeadline(deadline)
			_, _ = io.Copy(io.Discard, c)
		}
	}
	return c.Close()
}

func (s *socketStrategy) Cleanup(conn Conn, _ Meta, _ string) {
	if c, ok := conn.(net.Conn); ok {
		_ = c.Close()
	}
}

func (s *socketStrategy) IdleTimeout(cfg config.PoolConfig) time.Duration {
	return cfg.ConnectionTimeout.Std()
}

// Tasks is empty: socket liveness is covered by per-entry idle timers.
func (s *socketStrategy) Tasks(*Pool) []monitor.Task { return nil }
