package pool

import (
	"time"

	"github.com/koatty/serve/internal/config"
)

// Meta is the per-connection record the pool keeps next to the opaque
// handle. Exactly one protocol section is set, matching the pool's strategy.
type Meta struct {
	// ID is pool-unique; generated at admission when left empty.
	ID         string
	RemoteAddr string
	Protocol   config.Protocol
	AdmittedAt time.Time

	// LastActivity feeds idle eviction. Updated by Touch, MarkAlive and
	// the stream accounting helpers.
	LastActivity time.Time

	TLS   *TLSMeta
	HTTP2 *HTTP2Meta
	WS    *WSMeta
	GRPC  *GRPCMeta
}

// TLSMeta records the negotiated handshake parameters of a secure socket.
type TLSMeta struct {
	Version     string
	CipherSuite string
	ServerName  string // SNI as presented by the client

	// Authorized is false when the peer presented a certificate that did
	// not verify. Peers that presented nothing stay authorized; mutual-TLS
	// enforcement happens at handshake time.
	Authorized bool
}

// HTTP2Meta tracks one client session.
type HTTP2Meta struct {
	ActiveStreams int
	// Draining is set when the session saw GOAWAY: running streams finish,
	// new ones are refused.
	Draining bool
}

// WSMeta tracks websocket liveness probing.
type WSMeta struct {
	IsAlive  bool
	LastPong time.Time
	// MissedPings counts pings sent since the last pong. The heartbeat
	// sweep evicts at two or more, so a connection always survives the
	// cycle that pinged it.
	MissedPings int
	Path        string
}

// GRPCMeta identifies one in-flight call.
type GRPCMeta struct {
	Service string
	Method  string
	Peer    string
}

// clone deep-copies the record so callers can read it without holding the
// pool lock.
func (m *Meta) clone() Meta {
	out := *m
	if m.TLS != nil {
		c := *m.TLS
		out.TLS = &c
	}
	if m.HTTP2 != nil {
		c := *m.HTTP2
		out.HTTP2 = &c
	}
	if m.WS != nil {
		c := *m.WS
		out.WS = &c
	}
	if m.GRPC != nil {
		c := *m.GRPC
		out.GRPC = &c
	}
	return out
}
