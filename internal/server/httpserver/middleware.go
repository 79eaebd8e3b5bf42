package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/pool"
)

// connCtxKey carries the underlying net.Conn in request contexts, placed
// there by the server's ConnContext hook. The http2 path preserves it for
// every stream on the session.
type connCtxKey struct{}

func connFrom(ctx context.Context) net.Conn {
	c, _ := ctx.Value(connCtxKey{}).(net.Conn)
	return c
}

// instrument wraps the application handler with pool bookkeeping, request
// accounting and optional trace logging.
func (a *Adapter) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if conn := connFrom(r.Context()); conn != nil {
			if a.protocol == config.HTTP2 {
				if !a.admitSession(conn) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					a.requests.Observe(time.Since(start), true)
					return
				}
				a.pool.StreamOpened(conn)
				defer a.pool.StreamClosed(conn)
			} else {
				a.pool.Touch(conn)
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		a.requests.Observe(elapsed, rec.status >= http.StatusInternalServerError)
		if a.trace.Load() {
			a.log.Debug("request", fmt.Sprintf("%s %s %d", r.Method, r.URL.Path, rec.status), map[string]any{
				"durationMs": elapsed.Milliseconds(),
				"remoteAddr": r.RemoteAddr,
				"proto":      r.Proto,
			})
		}
	})
}

// admitSession registers an http2 session on its first stream. Concurrent
// streams of a fresh session race on Register; losing that race still means
// the session is pooled.
func (a *Adapter) admitSession(conn net.Conn) bool {
	if a.pool.Contains(conn) {
		return true
	}
	if a.pool.Register(conn, pool.Meta{RemoteAddr: conn.RemoteAddr().String()}) {
		return true
	}
	return a.pool.Contains(conn)
}

// statusRecorder captures the response status for the request counters.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the native writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
