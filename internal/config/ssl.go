package config

import (
	"errors"
	"fmt"
	"strings"
)

// SSLMode selects how much of the TLS handshake policy is managed.
type SSLMode string

const (
	// SSLAuto uses the server certificate and key with library-default
	// handshake policy.
	SSLAuto SSLMode = "auto"

	// SSLManual additionally honors cipher, protocol-version and CA
	// settings from the config.
	SSLManual SSLMode = "manual"

	// SSLMutualTLS requires and verifies client certificates against the
	// configured CA.
	SSLMutualTLS SSLMode = "mutual_tls"
)

// validSSLModes is the set of accepted ssl mode strings.
var validSSLModes = map[SSLMode]bool{
	SSLAuto:      true,
	SSLManual:    true,
	SSLMutualTLS: true,
}

// SSLOptions holds the TLS settings for one server. Key, Cert and CA accept
// either a filesystem path or inline PEM (detected by the "-----" prefix).
//
// https, wss and http2 servers use the managed fields (Mode, Ciphers,
// SecureProtocol, ...). grpc servers use the simpler Enabled/KeyFile/
// CertFile/CAFile shape carried over from channel-credential configs; both
// spellings of the material fields are accepted everywhere.
type SSLOptions struct {
	// Enabled turns TLS on for protocols where it is optional (grpc,
	// http2). When omitted, TLS is active whenever key material is
	// configured.
	Enabled *bool `yaml:"enabled"`

	// Mode is one of "auto", "manual", "mutual_tls". Defaults to "auto"
	// when material is present and no mode is given.
	Mode SSLMode `yaml:"mode"`

	// Key is the server private key: path or inline PEM. Required.
	Key string `yaml:"key"`

	// Cert is the server certificate: path or inline PEM. Required.
	Cert string `yaml:"cert"`

	// CA is the certificate authority bundle used to verify peers: path or
	// inline PEM. Required for mutual_tls.
	CA string `yaml:"ca"`

	// KeyFile, CertFile and CAFile are path-only aliases for Key, Cert and
	// CA, kept for channel-credential style configs.
	KeyFile  string `yaml:"key_file"`
	CertFile string `yaml:"cert_file"`
	CAFile   string `yaml:"ca_file"`

	// Passphrase decrypts an encrypted private key.
	Passphrase string `yaml:"passphrase"`

	// Ciphers is a colon- or comma-separated list of cipher suite names
	// (manual and mutual_tls modes).
	Ciphers string `yaml:"ciphers"`

	// HonorCipherOrder prefers the server's cipher order during the
	// handshake.
	HonorCipherOrder bool `yaml:"honor_cipher_order"`

	// SecureProtocol pins the protocol version, e.g. "TLSv1.2" or
	// "TLSv1.3". Empty means the library default range.
	SecureProtocol string `yaml:"secure_protocol"`

	// RequestCert asks the client for a certificate without requiring one.
	RequestCert bool `yaml:"request_cert"`

	// RejectUnauthorized controls whether unverifiable client certificates
	// abort the handshake. Defaults to true under mutual_tls.
	RejectUnauthorized *bool `yaml:"reject_unauthorized"`

	// ClientCertRequired requires client certificates (grpc shape alias of
	// mutual_tls).
	ClientCertRequired bool `yaml:"client_cert_required"`

	// AllowHTTP1 lets an http2 server also negotiate HTTP/1.1 over ALPN.
	// Defaults to true.
	AllowHTTP1 *bool `yaml:"allow_http1"`
}

// KeyMaterial returns the private key source: Key when set, else KeyFile.
func (s *SSLOptions) KeyMaterial() string {
	if s.Key != "" {
		return s.Key
	}
	return s.KeyFile
}

// CertMaterial returns the certificate source: Cert when set, else CertFile.
func (s *SSLOptions) CertMaterial() string {
	if s.Cert != "" {
		return s.Cert
	}
	return s.CertFile
}

// CAMaterial returns the CA bundle source: CA when set, else CAFile.
func (s *SSLOptions) CAMaterial() string {
	if s.CA != "" {
		return s.CA
	}
	return s.CAFile
}

// MutualTLS reports whether client certificates are required, under either
// spelling.
func (s *SSLOptions) MutualTLS() bool {
	return s.Mode == SSLMutualTLS || s.ClientCertRequired
}

// RejectsUnauthorized resolves the RejectUnauthorized tri-state: explicit
// value if set, else true.
func (s *SSLOptions) RejectsUnauthorized() bool {
	if s.RejectUnauthorized == nil {
		return true
	}
	return *s.RejectUnauthorized
}

// HTTP1Fallback resolves AllowHTTP1: explicit value if set, else true.
func (s *SSLOptions) HTTP1Fallback() bool {
	if s.AllowHTTP1 == nil {
		return true
	}
	return *s.AllowHTTP1
}

// validSecureProtocols maps accepted protocol-version spellings. Both the
// dotted and underscore forms are seen in the wild.
var validSecureProtocols = map[string]bool{
	"TLSv1":   true,
	"TLSv1.1": true,
	"TLSv1.2": true,
	"TLSv1.3": true,
	"TLSv1_1": true,
	"TLSv1_2": true,
	"TLSv1_3": true,
}

// clone returns a copy of s with no shared pointers.
func (s *SSLOptions) clone() *SSLOptions {
	c := *s
	if s.Enabled != nil {
		v := *s.Enabled
		c.Enabled = &v
	}
	if s.RejectUnauthorized != nil {
		v := *s.RejectUnauthorized
		c.RejectUnauthorized = &v
	}
	if s.AllowHTTP1 != nil {
		v := *s.AllowHTTP1
		c.AllowHTTP1 = &v
	}
	return &c
}

// Active reports whether TLS should be used for protocol p: always for
// https and wss, opt-in for grpc and http2.
func (s *SSLOptions) Active(p Protocol) bool {
	if p.Secure() {
		return true
	}
	if s.Enabled != nil {
		return *s.Enabled
	}
	return s.KeyMaterial() != ""
}

func (s *SSLOptions) applyDefaults(Protocol) {
	if s.Mode == "" {
		if s.MutualTLS() {
			s.Mode = SSLMutualTLS
		} else {
			s.Mode = SSLAuto
		}
	}
}

func (s *SSLOptions) validate(p Protocol) error {
	if !s.Active(p) {
		return nil
	}

	var errs []error

	if !validSSLModes[s.Mode] {
		errs = append(errs, fmt.Errorf("ssl.mode %q must be one of: auto, manual, mutual_tls", s.Mode))
	}
	if s.KeyMaterial() == "" {
		errs = append(errs, errors.New("ssl.key is required"))
	}
	if s.CertMaterial() == "" {
		errs = append(errs, errors.New("ssl.cert is required"))
	}
	if s.MutualTLS() && s.CAMaterial() == "" {
		errs = append(errs, errors.New("ssl.ca is required for mutual_tls"))
	}
	if s.SecureProtocol != "" && !validSecureProtocols[s.SecureProtocol] {
		errs = append(errs, fmt.Errorf("ssl.secure_protocol %q must be one of: TLSv1, TLSv1.1, TLSv1.2, TLSv1.3", s.SecureProtocol))
	}
	if p != HTTP2 && s.AllowHTTP1 != nil {
		errs = append(errs, fmt.Errorf("ssl.allow_http1 only applies to http2, not %s", p))
	}

	return errors.Join(errs...)
}

// CipherList splits the Ciphers field on ":" or "," into trimmed names.
func (s *SSLOptions) CipherList() []string {
	if s.Ciphers == "" {
		return nil
	}
	fields := strings.FieldsFunc(s.Ciphers, func(r rune) bool {
		return r == ':' || r == ','
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
