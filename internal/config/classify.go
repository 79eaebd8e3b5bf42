package config

import (
	"github.com/koatty/serve/internal/util"
)

// ChangeClass is the outcome of comparing two option snapshots.
type ChangeClass string

const (
	// ChangeNone means the snapshots are equivalent.
	ChangeNone ChangeClass = "none"

	// ChangeRuntime means every difference can be applied to the running
	// server without dropping its listener.
	ChangeRuntime ChangeClass = "runtime_apply"

	// ChangeRestart means at least one difference requires a graceful
	// stop and re-bind.
	ChangeRestart ChangeClass = "restart"
)

// RestartReason names why a change cannot be applied in place.
type RestartReason string

const (
	// ReasonCriticalNetwork: hostname, port or protocol changed.
	ReasonCriticalNetwork RestartReason = "critical_network"

	// ReasonSSLChanged: any TLS setting changed.
	ReasonSSLChanged RestartReason = "ssl_changed"

	// ReasonH2Settings: HTTP/2 session settings changed.
	ReasonH2Settings RestartReason = "h2_settings_changed"

	// ReasonChannelOpts: grpc channel options changed.
	ReasonChannelOpts RestartReason = "channel_opts_changed"
)

// Change reports how a new option snapshot differs from the active one.
type Change struct {
	// Class is the overall classification; restart dominates.
	Class ChangeClass

	// Reasons lists why a restart is required, when Class is
	// ChangeRestart.
	Reasons []RestartReason

	// RuntimeFields names the fields that can be applied in place.
	RuntimeFields []string
}

// RequiresRestart reports whether the server must re-bind to apply the
// change.
func (c Change) RequiresRestart() bool { return c.Class == ChangeRestart }

// None reports whether the snapshots are equivalent.
func (c Change) None() bool { return c.Class == ChangeNone }

// Classify compares the active options with a proposed snapshot and decides
// whether the difference is a no-op, applies at runtime, or forces a
// restart.
//
// Hostname, port, protocol and any TLS setting force a restart, as do the
// protocol-specific sections that the native server consumed at bind time
// (HTTP/2 session settings, grpc channel options). Pool limits, timeouts,
// trace and ext toggles apply at runtime. Sections irrelevant to the active
// protocol are ignored.
func Classify(old, next *ListeningOptions) Change {
	var ch Change

	if old.Hostname != next.Hostname || old.Port != next.Port || old.Protocol != next.Protocol {
		ch.Reasons = append(ch.Reasons, ReasonCriticalNetwork)
	}
	if !util.DeepEqual(old.SSL, next.SSL) {
		ch.Reasons = append(ch.Reasons, ReasonSSLChanged)
	}
	if old.Protocol == HTTP2 && old.ConnectionPool.HTTP2 != next.ConnectionPool.HTTP2 {
		ch.Reasons = append(ch.Reasons, ReasonH2Settings)
	}
	if old.Protocol == GRPC && old.ConnectionPool.GRPC != next.ConnectionPool.GRPC {
		ch.Reasons = append(ch.Reasons, ReasonChannelOpts)
	}

	oldPool, nextPool := old.ConnectionPool, next.ConnectionPool
	if oldPool.MaxConnections != nextPool.MaxConnections {
		ch.RuntimeFields = append(ch.RuntimeFields, "connection_pool.max_connections")
	}
	if oldPool.ConnectionTimeout != nextPool.ConnectionTimeout {
		ch.RuntimeFields = append(ch.RuntimeFields, "connection_pool.connection_timeout")
	}
	if oldPool.KeepAliveTimeout != nextPool.KeepAliveTimeout {
		ch.RuntimeFields = append(ch.RuntimeFields, "connection_pool.keep_alive_timeout")
	}
	if oldPool.RequestTimeout != nextPool.RequestTimeout {
		ch.RuntimeFields = append(ch.RuntimeFields, "connection_pool.request_timeout")
	}
	if oldPool.HeadersTimeout != nextPool.HeadersTimeout {
		ch.RuntimeFields = append(ch.RuntimeFields, "connection_pool.headers_timeout")
	}
	if (old.Protocol == WS || old.Protocol == WSS) && oldPool.WebSocket != nextPool.WebSocket {
		ch.RuntimeFields = append(ch.RuntimeFields, "connection_pool.websocket")
	}
	if old.Trace != next.Trace {
		ch.RuntimeFields = append(ch.RuntimeFields, "trace")
	}
	if !util.DeepEqual(old.Ext, next.Ext) {
		ch.RuntimeFields = append(ch.RuntimeFields, "ext")
	}

	switch {
	case len(ch.Reasons) > 0:
		ch.Class = ChangeRestart
	case len(ch.RuntimeFields) > 0:
		ch.Class = ChangeRuntime
	default:
		ch.Class = ChangeNone
	}
	return ch
}
