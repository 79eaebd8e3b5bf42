// Package httpserver adapts net/http to the server.Base lifecycle for the
// http, https and http2 protocols. One adapter serves exactly one of them:
// plain HTTP/1.1, HTTP/1.1 over TLS, or HTTP/2 with optional h2c cleartext
// and HTTP/1.1 fallback.
//
// # Admission
//
// Connections enter the pool at different points depending on the
// handshake. Plain http admits at StateNew, straight off accept. https
// admits at StateActive, once the TLS handshake has produced the metadata
// the pool records. http2 sessions bypass the net/http state hooks
// entirely, so they are admitted from the request path on their first
// stream and collected by the pool's stale-session sweeper. A connection
// refused by the pool is answered with a bare-metal 503 and closed.
package httpserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/metrics"
	"github.com/koatty/serve/internal/pool"
	"github.com/koatty/serve/internal/ssl"
)

// denyResponse is written to a connection the pool refuses, before the
// request ever reaches the router.
const denyResponse = "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"

// certExpiryWarning is how close to NotAfter the certificate health check
// turns degraded.
const certExpiryWarning = 30 * 24 * time.Hour

// DefaultShutdownWait bounds the background native shutdown started by
// StopAccepting.
const DefaultShutdownWait = 30 * time.Second

// Adapter runs one net/http server for the protocol it was built with.
type Adapter struct {
	protocol config.Protocol
	handler  http.Handler
	log      *logging.Logger

	pool     *pool.Pool
	requests *metrics.RequestCounters

	trace atomic.Bool

	mu             sync.Mutex
	srv            *http.Server
	tlsConf        *tls.Config
	certExpiry     time.Time
	cancelShutdown context.CancelFunc
}

// New builds an adapter for opts.Protocol, which must be http, https or
// http2. The handler is the application router; the adapter wraps it with
// request accounting and trace logging.
func New(opts *config.ListeningOptions, handler http.Handler, log *logging.Logger) (*Adapter, error) {
	if handler == nil {
		return nil, fmt.Errorf("httpserver: handler is required")
	}
	if log == nil {
		log = logging.New(nil)
	}

	var (
		p   *pool.Pool
		err error
	)
	switch opts.Protocol {
	case config.HTTP, config.HTTPS:
		p, err = pool.NewSocketPool("", opts.Protocol, opts.ConnectionPool, log)
	case config.HTTP2:
		p, err = pool.NewHTTP2Pool("", opts.ConnectionPool, log)
	default:
		return nil, fmt.Errorf("httpserver: protocol %q is not an http protocol", opts.Protocol)
	}
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		protocol: opts.Protocol,
		handler:  handler,
		log:      log.Child(logging.Context{Module: "HTTP", Protocol: strings.ToUpper(string(opts.Protocol))}),
		pool:     p,
		requests: &metrics.RequestCounters{},
	}
	a.trace.Store(opts.Trace)
	return a, nil
}

// Protocol returns the protocol this adapter serves.
func (a *Adapter) Protocol() config.Protocol { return a.protocol }

// Pool returns the adapter's connection pool.
func (a *Adapter) Pool() *pool.Pool { return a.pool }

// Requests returns the adapter's request counters.
func (a *Adapter) Requests() *metrics.RequestCounters { return a.requests }

// CreateServer assembles the native http.Server and, for TLS protocols,
// the handshake configuration.
func (a *Adapter) CreateServer(opts *config.ListeningOptions) error {
	handler := a.instrument(a.handler)

	var (
		tlsConf    *tls.Config
		certExpiry time.Time
	)
	if opts.SSL != nil && opts.SSL.Active(opts.Protocol) {
		var err error
		tlsConf, err = ssl.Build(opts.Protocol, opts.SSL)
		if err != nil {
			return err
		}
		switch a.protocol {
		case config.HTTP2:
			if opts.SSL.HTTP1Fallback() {
				tlsConf.NextProtos = []string{"h2", "http/1.1"}
			} else {
				tlsConf.NextProtos = []string{"h2"}
			}
		default:
			tlsConf.NextProtos = []string{"http/1.1"}
		}
		if len(tlsConf.Certificates) > 0 && len(tlsConf.Certificates[0].Certificate) > 0 {
			if leaf, err := x509.ParseCertificate(tlsConf.Certificates[0].Certificate[0]); err == nil {
				certExpiry = leaf.NotAfter
			}
		}
	}

	srv := &http.Server{
		Addr:     opts.Addr(),
		Handler:  handler,
		ErrorLog: log.New(&logBridge{log: a.log}, "", 0),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connCtxKey{}, c)
		},
	}
	if a.protocol != config.HTTP2 {
		srv.ConnState = a.connState
	}

	a.mu.Lock()
	a.srv = srv
	a.tlsConf = tlsConf
	a.certExpiry = certExpiry
	a.mu.Unlock()
	return nil
}

// ConfigureOptions maps the pool timeouts onto the native server and, for
// http2, installs the session settings.
func (a *Adapter) ConfigureOptions(opts *config.ListeningOptions) error {
	cfg := opts.ConnectionPool

	a.mu.Lock()
	srv := a.srv
	tlsConf := a.tlsConf
	a.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("httpserver: ConfigureOptions before CreateServer")
	}

	srv.ReadHeaderTimeout = cfg.HeadersTimeout.Std()
	srv.ReadTimeout = cfg.RequestTimeout.Std()
	srv.WriteTimeout = cfg.RequestTimeout.Std()
	srv.IdleTimeout = cfg.KeepAliveTimeout.Std()

	if a.protocol != config.HTTP2 {
		return nil
	}

	if cfg.HTTP2.MaxHeaderListSize > 0 {
		// ConfigureServer derives the h2 SETTINGS_MAX_HEADER_LIST_SIZE
		// from MaxHeaderBytes.
		srv.MaxHeaderBytes = cfg.HTTP2.MaxHeaderListSize
	}
	h2 := &http2.Server{
		MaxUploadBufferPerConnection: int32(cfg.HTTP2.MaxSessionMemory) << 20,
		ReadIdleTimeout:              cfg.HTTP2.KeepAliveTime.Std(),
		IdleTimeout:                  cfg.KeepAliveTimeout.Std(),
	}
	if cfg.MaxConnections > 0 {
		h2.MaxConcurrentStreams = uint32(cfg.MaxConnections)
	}
	if err := http2.ConfigureServer(srv, h2); err != nil {
		return fmt.Errorf("httpserver: configure http2: %w", err)
	}
	if tlsConf == nil {
		// Cleartext h2c: upgrade and prior-knowledge preface handled in
		// front of the router.
		srv.Handler = h2c.NewHandler(srv.Handler, h2)
	}
	return nil
}

// PostInit has nothing to wire for plain http servers.
func (a *Adapter) PostInit(*config.ListeningOptions) error { return nil }

// Serve wraps the listener with TLS when configured and runs the native
// accept loop. An orderly close returns nil.
func (a *Adapter) Serve(lis net.Listener) error {
	a.mu.Lock()
	srv, tlsConf := a.srv, a.tlsConf
	a.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("httpserver: Serve before CreateServer")
	}

	if tlsConf != nil {
		lis = tls.NewListener(lis, tlsConf)
	}
	err := srv.Serve(lis)
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("httpserver: serve: %w", err)
}

// StopAccepting turns off keep-alive and begins the native graceful
// shutdown in the background; the base owns the overall drain budget.
func (a *Adapter) StopAccepting() {
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv == nil {
		return
	}

	srv.SetKeepAlivesEnabled(false)
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownWait)
	a.mu.Lock()
	a.cancelShutdown = cancel
	a.mu.Unlock()
	go func() {
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Debug("shutdown", "native shutdown: "+err.Error(), nil)
		}
	}()
}

// ForceShutdown closes the native server and every remaining connection.
func (a *Adapter) ForceShutdown() {
	a.mu.Lock()
	srv := a.srv
	cancel := a.cancelShutdown
	a.cancelShutdown = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if srv != nil {
		srv.Close()
	}
}

// ApplyRuntime picks up the runtime-safe fields; the pool snapshot itself
// is swapped by the base.
func (a *Adapter) ApplyRuntime(opts *config.ListeningOptions) error {
	a.trace.Store(opts.Trace)
	return nil
}

// HealthChecks reports certificate validity for TLS protocols.
func (a *Adapter) HealthChecks() map[string]metrics.Check {
	a.mu.Lock()
	expiry := a.certExpiry
	a.mu.Unlock()
	if expiry.IsZero() {
		return nil
	}

	left := time.Until(expiry)
	check := metrics.Check{State: metrics.Healthy, Message: fmt.Sprintf("certificate valid until %s", expiry.Format(time.RFC3339))}
	switch {
	case left <= 0:
		check = metrics.Check{State: metrics.Unhealthy, Message: "certificate expired " + expiry.Format(time.RFC3339)}
	case left < certExpiryWarning:
		check = metrics.Check{State: metrics.Degraded, Message: fmt.Sprintf("certificate expires in %dd", int(left.Hours()/24))}
	}
	return map[string]metrics.Check{"certificate": check}
}

// CustomMetrics reports stream occupancy for http2 servers.
func (a *Adapter) CustomMetrics() map[string]any {
	if a.protocol != config.HTTP2 {
		return nil
	}
	var streams int
	for _, conn := range a.pool.Conns() {
		if meta, ok := a.pool.MetaOf(conn); ok && meta.HTTP2 != nil {
			streams += meta.HTTP2.ActiveStreams
		}
	}
	return map[string]any{
		"activeSessions": a.pool.Active(),
		"activeStreams":  streams,
	}
}

// ─── Connection state hook ────────────────────────────────────────────────────

// connState feeds the http/1 connection lifecycle into the pool. Plain http
// admits on StateNew; TLS waits for StateActive so the handshake metadata
// is available.
func (a *Adapter) connState(conn net.Conn, state http.ConnState) {
	secure := a.protocol.Secure()
	switch state {
	case http.StateNew:
		if !secure {
			a.admit(conn)
		}
	case http.StateActive:
		if !a.pool.Contains(conn) {
			if secure {
				a.admit(conn)
			}
			// A plain-http conn missing here was denied at StateNew.
			return
		}
		a.pool.SetBusy(conn, true)
	case http.StateIdle:
		a.pool.SetBusy(conn, false)
	case http.StateClosed:
		a.pool.Remove(conn, "connection_closed")
	case http.StateHijacked:
		a.pool.Remove(conn, "hijacked")
	}
}

// admit registers the connection and slams the door when the pool refuses.
func (a *Adapter) admit(conn net.Conn) {
	if a.pool.Register(conn, pool.Meta{RemoteAddr: conn.RemoteAddr().String()}) {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write([]byte(denyResponse))
	conn.Close()
}

// ─── Error log bridge ─────────────────────────────────────────────────────────

// logBridge routes the native server's error log lines into the structured
// logger at warn.
type logBridge struct {
	log *logging.Logger
}

func (b *logBridge) Write(p []byte) (int, error) {
	b.log.Warn("http", strings.TrimSpace(string(p)), nil)
	return len(p), nil
}
