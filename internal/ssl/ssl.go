// Package ssl assembles *tls.Config values from the config file's SSL
// options. Key, certificate and CA material may be given as filesystem paths
// or inline PEM; encrypted private keys are supported via a passphrase.
//
// Three managed modes map onto crypto/tls policy:
//
//   - auto: server certificate only, library-default handshake policy
//   - manual: plus cipher list, pinned protocol version and CA bundle
//   - mutual_tls: plus required client-certificate verification
package ssl

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/koatty/serve/internal/config"
)

// pemPrefix marks inline PEM material as opposed to a file path.
const pemPrefix = "-----"

// LoadMaterial resolves a key/cert/CA config value into PEM bytes. Values
// starting with "-----" are treated as inline PEM; anything else is read
// from disk.
func LoadMaterial(pathOrPEM string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(pathOrPEM), pemPrefix) {
		return []byte(pathOrPEM), nil
	}
	data, err := os.ReadFile(pathOrPEM)
	if err != nil {
		return nil, fmt.Errorf("ssl: read %q: %w", pathOrPEM, err)
	}
	return data, nil
}

// Build assembles the *tls.Config for a server speaking protocol p with the
// given options. Callers set NextProtos themselves; Build leaves it empty.
func Build(p config.Protocol, opts *config.SSLOptions) (*tls.Config, error) {
	if opts == nil {
		return nil, fmt.Errorf("ssl: no options for protocol %s", p)
	}

	certPEM, err := LoadMaterial(opts.CertMaterial())
	if err != nil {
		return nil, err
	}
	keyPEM, err := LoadMaterial(opts.KeyMaterial())
	if err != nil {
		return nil, err
	}
	if opts.Passphrase != "" {
		keyPEM, err = decryptKey(keyPEM, opts.Passphrase)
		if err != nil {
			return nil, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("ssl: load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if opts.Mode == config.SSLManual || opts.Mode == config.SSLMutualTLS {
		if opts.SecureProtocol != "" {
			min, max, err := versionRange(opts.SecureProtocol)
			if err != nil {
				return nil, err
			}
			cfg.MinVersion, cfg.MaxVersion = min, max
		}
		if list := opts.CipherList(); len(list) > 0 {
			suites, err := ParseCiphers(list)
			if err != nil {
				return nil, err
			}
			cfg.CipherSuites = suites
		}
	}

	if ca := opts.CAMaterial(); ca != "" {
		caPEM, err := LoadMaterial(ca)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("ssl: no certificates found in CA material")
		}
		cfg.ClientCAs = pool
	}

	cfg.ClientAuth = clientAuthPolicy(opts)
	if cfg.ClientAuth >= tls.VerifyClientCertIfGiven && cfg.ClientCAs == nil && opts.MutualTLS() {
		return nil, fmt.Errorf("ssl: client verification requires a CA bundle")
	}

	return cfg, nil
}

// clientAuthPolicy maps the request/require/reject switches onto a
// tls.ClientAuthType.
func clientAuthPolicy(opts *config.SSLOptions) tls.ClientAuthType {
	switch {
	case opts.MutualTLS() && opts.RejectsUnauthorized():
		return tls.RequireAndVerifyClientCert
	case opts.MutualTLS():
		return tls.RequireAnyClientCert
	case opts.RequestCert && opts.RejectsUnauthorized():
		return tls.VerifyClientCertIfGiven
	case opts.RequestCert:
		return tls.RequestClientCert
	default:
		return tls.NoClientCert
	}
}

// versionRange pins the handshake to the named protocol version. Both
// "TLSv1.2" and "TLSv1_2" spellings are accepted.
func versionRange(name string) (min, max uint16, err error) {
	switch strings.ReplaceAll(name, "_", ".") {
	case "TLSv1":
		return tls.VersionTLS10, tls.VersionTLS10, nil
	case "TLSv1.1":
		return tls.VersionTLS11, tls.VersionTLS11, nil
	case "TLSv1.2":
		return tls.VersionTLS12, tls.VersionTLS12, nil
	case "TLSv1.3":
		return tls.VersionTLS13, tls.VersionTLS13, nil
	default:
		return 0, 0, fmt.Errorf("ssl: unknown secure_protocol %q", name)
	}
}

// ParseCiphers resolves cipher suite names to their IANA ids. Unknown names
// are an error rather than silently narrowing the list.
func ParseCiphers(names []string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		byName[s.Name] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := byName[strings.ToUpper(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("ssl: unknown cipher suite %q", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// VersionName returns the human-readable TLS version for connection
// metadata, e.g. "TLS 1.3".
func VersionName(v uint16) string { return tls.VersionName(v) }

// CipherSuiteName returns the IANA cipher suite name for connection
// metadata.
func CipherSuiteName(id uint16) string { return tls.CipherSuiteName(id) }

// decryptKey decrypts a legacy encrypted PEM private key block.
func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("ssl: no PEM block in private key")
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy RFC 1423 keys are part of the config surface
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck // see above
	if err != nil {
		return nil, fmt.Errorf("ssl: decrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
