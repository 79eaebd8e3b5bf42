package config

import (
	"errors"
	"fmt"
)

// PoolConfig tunes a server's connection pool: the global admission cap, the
// shared timeouts, and the per-protocol sections. Servers only read the
// section matching their protocol; the others are inert.
type PoolConfig struct {
	// MaxConnections caps concurrently pooled connections (streams for
	// http2, in-flight calls for grpc). 0 means unlimited. Defaults to
	// 1000.
	MaxConnections int `yaml:"max_connections"`

	// ConnectionTimeout evicts idle connections. Defaults to 30s.
	ConnectionTimeout Duration `yaml:"connection_timeout"`

	// KeepAliveTimeout bounds how long an idle keep-alive connection is
	// held open by the native server. Defaults to 60s.
	KeepAliveTimeout Duration `yaml:"keep_alive_timeout"`

	// RequestTimeout bounds a whole request/response exchange. Defaults
	// to 30s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// HeadersTimeout bounds reading the request headers. Defaults to 10s.
	HeadersTimeout Duration `yaml:"headers_timeout"`

	// HTTP2 settings apply to http2 servers only.
	HTTP2 HTTP2PoolOptions `yaml:"http2"`

	// GRPC settings apply to grpc servers only.
	GRPC GRPCPoolOptions `yaml:"grpc"`

	// WebSocket settings apply to ws and wss servers only.
	WebSocket WSPoolOptions `yaml:"websocket"`
}

// HTTP2PoolOptions tunes HTTP/2 session handling.
type HTTP2PoolOptions struct {
	// MaxSessionMemory caps per-session buffered upload data, in
	// megabytes. Defaults to 10.
	MaxSessionMemory int `yaml:"max_session_memory"`

	// MaxHeaderListSize caps the accepted request header block, in bytes.
	// 0 uses the native default.
	MaxHeaderListSize int `yaml:"max_header_list_size"`

	// KeepAliveTime is the transport ping interval used to detect dead
	// sessions. Defaults to 30s.
	KeepAliveTime Duration `yaml:"keep_alive_time"`
}

// GRPCPoolOptions tunes the grpc channel.
type GRPCPoolOptions struct {
	// MaxReceiveMessageLength caps inbound message size in bytes. 0 uses
	// the native default (4 MiB).
	MaxReceiveMessageLength int `yaml:"max_receive_message_length"`

	// MaxSendMessageLength caps outbound message size in bytes. 0 uses
	// the native default.
	MaxSendMessageLength int `yaml:"max_send_message_length"`

	// KeepAliveTime is the server-side keepalive ping interval. Defaults
	// to 2h (the channel default).
	KeepAliveTime Duration `yaml:"keep_alive_time"`
}

// WSPoolOptions tunes websocket liveness probing.
type WSPoolOptions struct {
	// PingInterval is how often the pool pings every connection.
	// Defaults to 30s.
	PingInterval Duration `yaml:"ping_interval"`

	// PongTimeout is the write deadline for control frames. Defaults to
	// 5s.
	PongTimeout Duration `yaml:"pong_timeout"`

	// HeartbeatInterval is how often connections that missed their pong
	// are swept out. Defaults to 60s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 1000
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = Seconds(30)
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = Seconds(60)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Seconds(30)
	}
	if c.HeadersTimeout == 0 {
		c.HeadersTimeout = Seconds(10)
	}
	if c.HTTP2.MaxSessionMemory == 0 {
		c.HTTP2.MaxSessionMemory = 10
	}
	if c.HTTP2.KeepAliveTime == 0 {
		c.HTTP2.KeepAliveTime = Seconds(30)
	}
	if c.GRPC.KeepAliveTime == 0 {
		c.GRPC.KeepAliveTime = Seconds(2 * 60 * 60)
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = Seconds(30)
	}
	if c.WebSocket.PongTimeout == 0 {
		c.WebSocket.PongTimeout = Seconds(5)
	}
	if c.WebSocket.HeartbeatInterval == 0 {
		c.WebSocket.HeartbeatInterval = Seconds(60)
	}
}

func (c *PoolConfig) validate() error {
	var errs []error

	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("connection_pool.max_connections %d must be >= 0", c.MaxConnections))
	}
	if c.ConnectionTimeout < 0 {
		errs = append(errs, errors.New("connection_pool.connection_timeout must be >= 0"))
	}
	if c.KeepAliveTimeout < 0 {
		errs = append(errs, errors.New("connection_pool.keep_alive_timeout must be >= 0"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("connection_pool.request_timeout must be >= 0"))
	}
	if c.HeadersTimeout < 0 {
		errs = append(errs, errors.New("connection_pool.headers_timeout must be >= 0"))
	}
	if c.HTTP2.MaxSessionMemory < 0 {
		errs = append(errs, errors.New("connection_pool.http2.max_session_memory must be >= 0"))
	}
	if c.HTTP2.MaxHeaderListSize < 0 {
		errs = append(errs, errors.New("connection_pool.http2.max_header_list_size must be >= 0"))
	}
	if c.GRPC.MaxReceiveMessageLength < 0 {
		errs = append(errs, errors.New("connection_pool.grpc.max_receive_message_length must be >= 0"))
	}
	if c.GRPC.MaxSendMessageLength < 0 {
		errs = append(errs, errors.New("connection_pool.grpc.max_send_message_length must be >= 0"))
	}
	if c.WebSocket.PingInterval < 0 || c.WebSocket.PongTimeout < 0 || c.WebSocket.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("connection_pool.websocket intervals must be >= 0"))
	}

	return errors.Join(errs...)
}

// Validate checks the pool configuration on its own, for callers replacing a
// pool snapshot at runtime.
func (c *PoolConfig) Validate() error {
	return c.validate()
}

// Unlimited reports whether the pool has no admission cap.
func (c *PoolConfig) Unlimited() bool { return c.MaxConnections == 0 }
