// Package config provides YAML configuration loading and validation for the
// koatty-serve harness, plus change classification for hot reloads.
//
// A single file configures every protocol server the process runs:
//
//	hostname: 127.0.0.1
//	port: 3000
//	protocols: [http, grpc, ws]
//	log_level: info
//	connection_pool:
//	  max_connections: 1000
//	  connection_timeout: 30000
//	ssl:
//	  mode: manual
//	  key: /etc/koatty/server.key
//	  cert: /etc/koatty/server.crt
//
// The supervisor derives one ListeningOptions per protocol from the root
// Config (base port + offset). Durations accept either integer milliseconds
// or Go duration strings ("30s"); see Duration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol identifies one of the wire protocols a server instance can speak.
type Protocol string

const (
	HTTP  Protocol = "http"
	HTTPS Protocol = "https"
	HTTP2 Protocol = "http2"
	GRPC  Protocol = "grpc"
	WS    Protocol = "ws"
	WSS   Protocol = "wss"
)

// validProtocols is the set of accepted protocol strings.
var validProtocols = map[Protocol]bool{
	HTTP:  true,
	HTTPS: true,
	HTTP2: true,
	GRPC:  true,
	WS:    true,
	WSS:   true,
}

// ParseProtocol converts a config string into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(s)
	if !validProtocols[p] {
		return "", fmt.Errorf("config: protocol %q must be one of: http, https, http2, grpc, ws, wss", s)
	}
	return p, nil
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool { return validProtocols[p] }

// Secure reports whether the protocol always carries TLS. http2 may run
// cleartext (h2c) when no SSL options are present, so it is not listed.
func (p Protocol) Secure() bool {
	return p == HTTPS || p == WSS
}

// ListeningOptions configures a single protocol server instance.
type ListeningOptions struct {
	// Hostname is the bind address. Defaults to "127.0.0.1" when empty.
	Hostname string `yaml:"hostname"`

	// Port is the TCP listen port. Port 0 binds an ephemeral port.
	Port uint16 `yaml:"port"`

	// Protocol selects the server type: http, https, http2, grpc, ws, wss.
	// Defaults to "http" when empty.
	Protocol Protocol `yaml:"protocol"`

	// Trace enables per-request trace logging.
	Trace bool `yaml:"trace"`

	// Ext carries extension keys consumed by optional features, e.g.
	// "healthCheck" (bool), "metrics" (bool), "metricsInterval" (ms),
	// "auditLog" (file path).
	Ext map[string]any `yaml:"ext"`

	// SSL holds the TLS settings. Required for https and wss; optional for
	// http2 (absent means cleartext h2c) and grpc (absent means plaintext).
	SSL *SSLOptions `yaml:"ssl"`

	// ConnectionPool tunes the connection-pool limits and timeouts.
	ConnectionPool PoolConfig `yaml:"connection_pool"`
}

// ApplyDefaults fills in zero-value optional fields with their defaults.
func (o *ListeningOptions) ApplyDefaults() {
	if o.Hostname == "" {
		o.Hostname = "127.0.0.1"
	}
	if o.Protocol == "" {
		o.Protocol = HTTP
	}
	if o.SSL != nil {
		o.SSL.applyDefaults(o.Protocol)
	}
	o.ConnectionPool.applyDefaults()
}

// Validate checks protocol, SSL and pool settings. All failures are joined
// into one error.
func (o *ListeningOptions) Validate() error {
	var errs []error

	if !o.Protocol.Valid() {
		errs = append(errs, fmt.Errorf("protocol %q must be one of: http, https, http2, grpc, ws, wss", o.Protocol))
	}
	if o.Protocol.Secure() && o.SSL == nil {
		errs = append(errs, fmt.Errorf("ssl section is required for protocol %q", o.Protocol))
	}
	if o.SSL != nil {
		if err := o.SSL.validate(o.Protocol); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.ConnectionPool.validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Addr returns the host:port bind address.
func (o *ListeningOptions) Addr() string {
	return net.JoinHostPort(o.Hostname, strconv.Itoa(int(o.Port)))
}

// Clone returns a deep copy of o, so a mutated copy can be validated and
// swapped in without touching the active snapshot.
func (o *ListeningOptions) Clone() *ListeningOptions {
	c := *o
	if o.SSL != nil {
		c.SSL = o.SSL.clone()
	}
	if o.Ext != nil {
		c.Ext = make(map[string]any, len(o.Ext))
		for k, v := range o.Ext {
			c.Ext[k] = v
		}
	}
	return &c
}

// ExtBool reads a boolean extension key. Missing or mistyped keys return
// fallback.
func (o *ListeningOptions) ExtBool(key string, fallback bool) bool {
	if o.Ext == nil {
		return fallback
	}
	if v, ok := o.Ext[key].(bool); ok {
		return v
	}
	return fallback
}

// ExtString reads a string extension key. Missing or mistyped keys return
// the empty string.
func (o *ListeningOptions) ExtString(key string) string {
	if o.Ext == nil {
		return ""
	}
	s, _ := o.Ext[key].(string)
	return s
}

// ExtDuration reads a millisecond-integer extension key. Missing, mistyped
// or non-positive values return fallback.
func (o *ListeningOptions) ExtDuration(key string, fallback time.Duration) time.Duration {
	if o.Ext == nil {
		return fallback
	}
	switch v := o.Ext[key].(type) {
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return fallback
}

// Config is the root configuration for the koatty-serve process: shared
// listener settings plus the protocol set the supervisor fans out.
type Config struct {
	// Hostname is the bind address shared by every protocol server.
	// Defaults to "127.0.0.1" when omitted.
	Hostname string `yaml:"hostname"`

	// Port is the base listen port. Protocol i in Protocols listens on
	// Port+i. Defaults to 3000 when omitted.
	Port uint16 `yaml:"port"`

	// Protocols is the set of protocol servers to run. Defaults to [http]
	// when omitted.
	Protocols []Protocol `yaml:"protocols"`

	// Trace enables per-request trace logging on every server.
	Trace bool `yaml:"trace"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// SSL is shared by every TLS-capable protocol in Protocols.
	SSL *SSLOptions `yaml:"ssl"`

	// ConnectionPool is shared by every protocol server.
	ConnectionPool PoolConfig `yaml:"connection_pool"`

	// Ext carries extension keys passed through to each server.
	Ext map[string]any `yaml:"ext"`

	// Monitoring configures the health/metrics HTTP API.
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// MonitoringConfig configures the HTTP API serving /health, /metrics and
// /servers.
type MonitoringConfig struct {
	// Addr is the listen address for the monitoring API. Defaults to
	// "127.0.0.1:9000" when omitted; set "off" to disable.
	Addr string `yaml:"addr"`

	// JWTPublicKeyPath points at a PEM-encoded RSA public key. When set,
	// monitoring API requests must carry a bearer token signed with the
	// matching private key.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, applies environment overrides, and validates. It returns a typed
// error describing every validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	cfg.ApplyDefaults()
	ApplyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Hostname == "" {
		c.Hostname = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []Protocol{HTTP}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Monitoring.Addr == "" {
		c.Monitoring.Addr = "127.0.0.1:9000"
	}
	c.ConnectionPool.applyDefaults()
}

// Validate checks the root configuration. All failures are joined into one
// error.
func (c *Config) Validate() error {
	var errs []error

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}
	seen := map[Protocol]bool{}
	for i, p := range c.Protocols {
		if !p.Valid() {
			errs = append(errs, fmt.Errorf("protocols[%d]: %q must be one of: http, https, http2, grpc, ws, wss", i, p))
			continue
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("protocols[%d]: %q listed twice", i, p))
		}
		seen[p] = true
	}
	if int(c.Port)+len(c.Protocols)-1 > 65535 {
		errs = append(errs, fmt.Errorf("port %d leaves no room for %d protocol offsets", c.Port, len(c.Protocols)))
	}
	for i, p := range c.Protocols {
		if !p.Valid() {
			continue
		}
		opts := c.ForProtocol(p, c.Port+uint16(i))
		if err := opts.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("protocol %s: %w", p, err))
		}
	}

	return errors.Join(errs...)
}

// ForProtocol derives the per-server options for protocol p listening on
// port. Shared sections are deep-copied so servers cannot alias each other's
// snapshots.
func (c *Config) ForProtocol(p Protocol, port uint16) *ListeningOptions {
	opts := &ListeningOptions{
		Hostname:       c.Hostname,
		Port:           port,
		Protocol:       p,
		Trace:          c.Trace,
		Ext:            c.Ext,
		SSL:            c.SSL,
		ConnectionPool: c.ConnectionPool,
	}
	opts = opts.Clone()
	opts.ApplyDefaults()
	return opts
}
