// Package wsserver adapts gorilla/websocket to the server.Base lifecycle
// for the ws and wss protocols. The native http.Server exists only to
// upgrade: requests on registered routes are handshaken into websocket
// connections, admitted to the pool and driven by a read pump on the
// request goroutine until the peer leaves or the pool evicts them.
// Liveness is not judged here; the pool's ping and heartbeat tasks own it.
package wsserver

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/metrics"
	"github.com/koatty/serve/internal/pool"
	"github.com/koatty/serve/internal/ssl"
)

// maxMessageSize caps inbound payloads. Larger frames drop the connection
// instead of allocating unbounded memory.
const maxMessageSize = 64 << 10

// overloadText accompanies the 1013 close frame sent when the pool refuses
// an upgrade.
const overloadText = "connection pool at capacity"

// controlWait bounds control-frame writes.
const controlWait = time.Second

// certExpiryWarning is how close to NotAfter the certificate health check
// turns degraded.
const certExpiryWarning = 30 * 24 * time.Hour

// DefaultShutdownWait bounds the background native shutdown started by
// StopAccepting.
const DefaultShutdownWait = 30 * time.Second

// Handler consumes one inbound message on an established connection. It may
// write replies directly to the connection: handlers run serially per
// connection, so a reply never races the next read.
type Handler func(conn *websocket.Conn, messageType int, data []byte) error

// Routes maps request paths to message handlers. Requests outside the table
// are answered 404 and never upgraded.
type Routes map[string]Handler

// Adapter runs one upgrade server for ws or wss.
type Adapter struct {
	protocol config.Protocol
	routes   Routes
	log      *logging.Logger

	pool     *pool.Pool
	requests *metrics.RequestCounters
	upgrader websocket.Upgrader

	trace        atomic.Bool
	messagesIn   atomic.Int64
	upgradeFails atomic.Int64

	mu             sync.Mutex
	srv            *http.Server
	tlsConf        *tls.Config
	certExpiry     time.Time
	cancelShutdown context.CancelFunc
}

// New builds an adapter for opts.Protocol, which must be ws or wss.
func New(opts *config.ListeningOptions, routes Routes, log *logging.Logger) (*Adapter, error) {
	if opts.Protocol != config.WS && opts.Protocol != config.WSS {
		return nil, fmt.Errorf("wsserver: protocol %q is not a websocket protocol", opts.Protocol)
	}
	if log == nil {
		log = logging.New(nil)
	}

	p, err := pool.NewWebSocketPool("", opts.Protocol, opts.ConnectionPool, log)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		protocol: opts.Protocol,
		routes:   routes,
		log:      log.Child(logging.Context{Module: "WS", Protocol: strings.ToUpper(string(opts.Protocol))}),
		pool:     p,
		requests: &metrics.RequestCounters{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin filtering belongs in front of the harness; the
			// upgrade endpoint accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	a.trace.Store(opts.Trace)
	return a, nil
}

// Protocol returns the protocol this adapter serves.
func (a *Adapter) Protocol() config.Protocol { return a.protocol }

// Pool returns the adapter's connection pool.
func (a *Adapter) Pool() *pool.Pool { return a.pool }

// Requests returns the adapter's message counters.
func (a *Adapter) Requests() *metrics.RequestCounters { return a.requests }

// CreateServer assembles the upgrade mux and, for wss, the handshake
// configuration.
func (a *Adapter) CreateServer(opts *config.ListeningOptions) error {
	mux := http.NewServeMux()
	for path, handle := range a.routes {
		mux.Handle(path, a.upgradeHandler(path, handle))
	}

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
		tlsConf.NextProtos = []string{"http/1.1"}
		if len(tlsConf.Certificates) > 0 && len(tlsConf.Certificates[0].Certificate) > 0 {
			if leaf, err := x509.ParseCertificate(tlsConf.Certificates[0].Certificate[0]); err == nil {
				certExpiry = leaf.NotAfter
			}
		}
	}

	srv := &http.Server{
		Addr:     opts.Addr(),
		Handler:  mux,
		ErrorLog: log.New(&logBridge{log: a.log}, "", 0),
	}

	a.mu.Lock()
	a.srv = srv
	a.tlsConf = tlsConf
	a.certExpiry = certExpiry
	a.mu.Unlock()
	return nil
}

// ConfigureOptions bounds the pre-upgrade HTTP exchange. Deadlines on
// established connections would fight the ping and heartbeat tasks, so
// none are set; gorilla clears the socket deadlines during Upgrade.
func (a *Adapter) ConfigureOptions(opts *config.ListeningOptions) error {
	cfg := opts.ConnectionPool

	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("wsserver: ConfigureOptions before CreateServer")
	}

	srv.ReadHeaderTimeout = cfg.HeadersTimeout.Std()
	srv.IdleTimeout = cfg.KeepAliveTimeout.Std()
	return nil
}

// PostInit has nothing to wire for websocket servers.
func (a *Adapter) PostInit(*config.ListeningOptions) error { return nil }

// Serve wraps the listener with TLS when configured and runs the native
// accept loop. An orderly close returns nil.
func (a *Adapter) Serve(lis net.Listener) error {
	a.mu.Lock()
	srv, tlsConf := a.srv, a.tlsConf
	a.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("wsserver: Serve before CreateServer")
	}

	if tlsConf != nil {
		lis = tls.NewListener(lis, tlsConf)
	}
	err := srv.Serve(lis)
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("wsserver: serve: %w", err)
}

// StopAccepting begins the native graceful shutdown in the background.
// Established websocket connections are hijacked and out of the native
// server's reach; the pool drains them.
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

// ForceShutdown closes the listener and any connection still in HTTP
// states; pooled websocket connections are torn down by the pool.
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

// HealthChecks reports certificate validity for wss.
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

// CustomMetrics reports message traffic and handshake failures.
func (a *Adapter) CustomMetrics() map[string]any {
	return map[string]any{
		"messagesIn":      a.messagesIn.Load(),
		"upgradeFailures": a.upgradeFails.Load(),
	}
}

// ─── Upgrade and read pump ────────────────────────────────────────────────────

// upgradeHandler performs the handshake for one route and hands the
// connection to the read pump. net/http keeps the request goroutine alive
// for hijacked connections, so the pump runs right here.
func (a *Adapter) upgradeHandler(path string, handle Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already answered the request with an HTTP error.
			a.upgradeFails.Add(1)
			a.log.Warn("upgrade", fmt.Sprintf("upgrade failed for %s: %v", r.RemoteAddr, err), nil)
			return
		}

		meta := pool.Meta{ID: uuid.NewString(), WS: &pool.WSMeta{Path: path}}
		if r.TLS != nil {
			meta.TLS = &pool.TLSMeta{
				Version:     ssl.VersionName(r.TLS.Version),
				CipherSuite: ssl.CipherSuiteName(r.TLS.CipherSuite),
				ServerName:  r.TLS.ServerName,
				Authorized:  len(r.TLS.PeerCertificates) == 0 || len(r.TLS.VerifiedChains) > 0,
			}
		}
		if !a.pool.Register(ws, meta) {
			frame := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, overloadText)
			_ = ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(controlWait))
			_ = ws.Close()
			return
		}

		ws.SetReadLimit(maxMessageSize)
		ws.SetPongHandler(func(string) error {
			a.pool.MarkAlive(ws)
			return nil
		})
		a.readPump(ws, meta.ID, handle)
	})
}

// readPump drives one connection until the peer closes, the pool evicts it,
// or the handler panics. A panicking handler costs its own connection, not
// the process.
func (a *Adapter) readPump(ws *websocket.Conn, connID string, handle Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error("pump", fmt.Sprintf("handler panic on %s: %v", connID, rec), nil)
			a.pool.Remove(ws, "internal_error")
		}
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			a.pool.Remove(ws, "connection_closed")
			return
		}
		a.pool.Touch(ws)
		a.messagesIn.Add(1)

		start := time.Now()
		herr := handle(ws, mt, data)
		a.requests.Observe(time.Since(start), herr != nil)
		if herr != nil {
			a.log.Warn("pump", fmt.Sprintf("handler error on %s: %v", connID, herr), nil)
		}
		if a.trace.Load() {
			a.log.Debug("message", fmt.Sprintf("%s %d bytes", connID, len(data)), map[string]any{
				"durationMs": time.Since(start).Milliseconds(),
			})
		}
	}
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
