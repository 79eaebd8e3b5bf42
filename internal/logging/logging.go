// Package logging provides the structured logger shared by every server
// component. It wraps log/slog with a stable, greppable message layout so
// that records emitted by different protocol servers line up in aggregated
// output:
//
//	[SERVER] [HTTPS] [Server:https_1712.._a1b2c3] [Conn:9f2e] [start] listener bound | TraceId: 7c1d
//
// Context segments ([MODULE], [PROTOCOL], [Server:..], [Conn:..]) are only
// rendered when set. Child loggers are cheap copies: Child never mutates the
// parent, so a logger can be handed to a connection goroutine and scoped with
// the connection id without coordination.
//
// Lifecycle events funnel through ServerEvent, ConnectionEvent and
// SecurityEvent, which pick the slog level from the event kind so call sites
// do not re-decide severity.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ─── Levels ───────────────────────────────────────────────────────────────────

// ParseLevel maps a config-file level string to a slog.Level. Unknown values
// fall back to info, matching the server's default verbosity.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewBase constructs the process-wide *slog.Logger writing JSON records to
// stderr at the requested minimum level.
func NewBase(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ─── Context ──────────────────────────────────────────────────────────────────

// Context carries the identity segments rendered in front of every message.
// Empty fields are omitted from the rendered prefix.
type Context struct {
	// Module tag, e.g. "SERVER", "POOL", "SUPERVISOR". Rendered uppercase.
	Module string

	// Protocol tag, e.g. "https". Rendered uppercase.
	Protocol string

	// ServerID is the owning server instance id.
	ServerID string

	// ConnID is the connection id for connection-scoped loggers.
	ConnID string

	// TraceID correlates records belonging to one request or operation.
	TraceID string
}

// merge returns c overlaid with the non-empty fields of child.
func (c Context) merge(child Context) Context {
	if child.Module != "" {
		c.Module = child.Module
	}
	if child.Protocol != "" {
		c.Protocol = child.Protocol
	}
	if child.ServerID != "" {
		c.ServerID = child.ServerID
	}
	if child.ConnID != "" {
		c.ConnID = child.ConnID
	}
	if child.TraceID != "" {
		c.TraceID = child.TraceID
	}
	return c
}

// ─── Logger ───────────────────────────────────────────────────────────────────

// Logger is the process logger facade. The zero value is not usable; construct
// with New and derive scoped loggers with Child.
type Logger struct {
	base *slog.Logger
	ctx  Context

	// timings is shared by the whole logger tree so a timer started on one
	// child can be finished on another.
	timings *sync.Map // id → time.Time
}

// New wraps base in a Logger with an empty context. A nil base uses
// slog.Default().
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{base: base, timings: &sync.Map{}}
}

// Child returns a copy of l with ctx merged over the parent context. The
// parent is never modified.
func (l *Logger) Child(ctx Context) *Logger {
	return &Logger{base: l.base, ctx: l.ctx.merge(ctx), timings: l.timings}
}

// WithTrace returns a child logger tagged with the given trace id.
func (l *Logger) WithTrace(traceID string) *Logger {
	return l.Child(Context{TraceID: traceID})
}

// prefix renders the bracketed context segments in fixed order.
func (l *Logger) prefix(action string) string {
	var b strings.Builder
	if l.ctx.Module != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(l.ctx.Module))
	}
	if l.ctx.Protocol != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(l.ctx.Protocol))
	}
	if l.ctx.ServerID != "" {
		fmt.Fprintf(&b, "[Server:%s] ", l.ctx.ServerID)
	}
	if l.ctx.ConnID != "" {
		fmt.Fprintf(&b, "[Conn:%s] ", l.ctx.ConnID)
	}
	if action != "" {
		fmt.Fprintf(&b, "[%s] ", action)
	}
	return b.String()
}

// render produces the final message string: prefix, message, optional data
// tail and trace tail.
func (l *Logger) render(action, msg string, data any) string {
	var b strings.Builder
	b.WriteString(l.prefix(action))
	b.WriteString(msg)
	if data != nil {
		b.WriteString(" | Data: ")
		b.WriteString(renderData(data))
	}
	if l.ctx.TraceID != "" {
		b.WriteString(" | TraceId: ")
		b.WriteString(l.ctx.TraceID)
	}
	return b.String()
}

// renderData serializes a data payload for the message tail. Errors become a
// {name, message} object, structured values are JSON-encoded, and anything
// that fails to encode falls back to fmt.Sprint.
func renderData(data any) string {
	if err, ok := data.(error); ok {
		data = map[string]string{
			"name":    fmt.Sprintf("%T", err),
			"message": err.Error(),
		}
	}
	switch data.(type) {
	case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, time.Duration:
		return fmt.Sprint(data)
	}
	enc, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(enc)
}

// attrs mirrors the context segments as structured fields so downstream
// collectors can filter without parsing the rendered message.
func (l *Logger) attrs(action string) []any {
	var a []any
	if l.ctx.Module != "" {
		a = append(a, slog.String("module", l.ctx.Module))
	}
	if l.ctx.Protocol != "" {
		a = append(a, slog.String("protocol", l.ctx.Protocol))
	}
	if l.ctx.ServerID != "" {
		a = append(a, slog.String("server_id", l.ctx.ServerID))
	}
	if l.ctx.ConnID != "" {
		a = append(a, slog.String("conn_id", l.ctx.ConnID))
	}
	if l.ctx.TraceID != "" {
		a = append(a, slog.String("trace_id", l.ctx.TraceID))
	}
	if action != "" {
		a = append(a, slog.String("action", action))
	}
	return a
}

func (l *Logger) log(level slog.Level, action, msg string, data any) {
	l.base.Log(context.Background(), level, l.render(action, msg, data), l.attrs(action)...)
}

// Debug logs at debug level. action names the operation being performed and
// is rendered as its own bracket segment; data may be nil.
func (l *Logger) Debug(action, msg string, data any) { l.log(slog.LevelDebug, action, msg, data) }

// Info logs at info level.
func (l *Logger) Info(action, msg string, data any) { l.log(slog.LevelInfo, action, msg, data) }

// Warn logs at warn level.
func (l *Logger) Warn(action, msg string, data any) { l.log(slog.LevelWarn, action, msg, data) }

// Error logs at error level.
func (l *Logger) Error(action, msg string, data any) { l.log(slog.LevelError, action, msg, data) }

// ─── Lifecycle events ─────────────────────────────────────────────────────────

// ServerEventKind identifies a server lifecycle transition.
type ServerEventKind string

const (
	ServerStarting ServerEventKind = "server_starting"
	ServerStarted  ServerEventKind = "server_started"
	ServerStopping ServerEventKind = "server_stopping"
	ServerStopped  ServerEventKind = "server_stopped"
	ServerError    ServerEventKind = "server_error"
)

// ConnectionEventKind identifies a connection lifecycle transition.
type ConnectionEventKind string

const (
	ConnectionConnected    ConnectionEventKind = "connection_connected"
	ConnectionDisconnected ConnectionEventKind = "connection_disconnected"
	ConnectionTimeout      ConnectionEventKind = "connection_timeout"
	ConnectionError        ConnectionEventKind = "connection_error"
)

// SecurityEventKind identifies an authentication or access-control outcome.
type SecurityEventKind string

const (
	SecurityAuthSuccess SecurityEventKind = "security_auth_success"
	SecurityAuthFailure SecurityEventKind = "security_auth_failure"
)

// ServerEvent logs a server lifecycle event at the severity implied by the
// kind: server_error is an error, everything else is info.
func (l *Logger) ServerEvent(kind ServerEventKind, serverID, msg string, data any) {
	scoped := l.Child(Context{ServerID: serverID})
	level := slog.LevelInfo
	if kind == ServerError {
		level = slog.LevelError
	}
	scoped.log(level, string(kind), msg, data)
}

// ConnectionEvent logs a connection lifecycle event. Timeouts log at warn,
// errors at error, connect/disconnect at info.
func (l *Logger) ConnectionEvent(kind ConnectionEventKind, connID, msg string, data any) {
	scoped := l.Child(Context{ConnID: connID})
	level := slog.LevelInfo
	switch kind {
	case ConnectionTimeout:
		level = slog.LevelWarn
	case ConnectionError:
		level = slog.LevelError
	}
	scoped.log(level, string(kind), msg, data)
}

// SecurityEvent logs an authentication or access-control outcome. Successful
// authentications log at info, everything else at warn.
func (l *Logger) SecurityEvent(kind SecurityEventKind, msg string, data any) {
	level := slog.LevelWarn
	if kind == SecurityAuthSuccess {
		level = slog.LevelInfo
	}
	l.log(level, string(kind), msg, data)
}

// ─── Performance tracking ─────────────────────────────────────────────────────

// StartTiming records the start of a named operation. A second StartTiming
// with the same id restarts the clock.
func (l *Logger) StartTiming(id string) {
	l.timings.Store(id, time.Now())
}

// EndTiming finishes a named operation, logs its duration at debug level and
// returns the elapsed time. Ending an id that was never started logs a
// warning and returns false.
func (l *Logger) EndTiming(id string) (time.Duration, bool) {
	v, ok := l.timings.LoadAndDelete(id)
	if !ok {
		l.Warn("timing", fmt.Sprintf("no timing in progress for %q", id), nil)
		return 0, false
	}
	elapsed := time.Since(v.(time.Time))
	l.Debug("timing", fmt.Sprintf("%s took %s", id, elapsed), nil)
	return elapsed, true
}
