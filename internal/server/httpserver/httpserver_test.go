package httpserver_test

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/pool"
	"github.com/koatty/serve/internal/server/httpserver"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
}

func testOptions(protocol config.Protocol) *config.ListeningOptions {
	opts := &config.ListeningOptions{
		Hostname: "127.0.0.1",
		Protocol: protocol,
	}
	opts.ApplyDefaults()
	return opts
}

// startAdapter runs the full composition sequence on an ephemeral listener
// and returns the adapter plus its bound address.
func startAdapter(t *testing.T, opts *config.ListeningOptions, handler http.Handler) (*httpserver.Adapter, string) {
	t.Helper()

	a, err := httpserver.New(opts, handler, logging.New(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.CreateServer(opts); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if err := a.ConfigureOptions(opts); err != nil {
		t.Fatalf("ConfigureOptions: %v", err)
	}
	if err := a.PostInit(opts); err != nil {
		t.Fatalf("PostInit: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Serve(lis) }()
	t.Cleanup(func() {
		a.ForceShutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after ForceShutdown")
		}
		a.Pool().Destroy()
	})
	return a, lis.Addr().String()
}

func waitActive(t *testing.T, p *pool.Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Active() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool active = %d, want %d", p.Active(), want)
}

// ------------------------------------------------------------------

func TestHTTP_ServesAndCountsRequests(t *testing.T) {
	a, addr := startAdapter(t, testOptions(config.HTTP), okHandler())

	client := &http.Client{Timeout: 3 * time.Second}
	for i := 0; i < 2; i++ {
		resp, err := client.Get("http://" + addr + "/")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "ok" {
			t.Fatalf("get %d: status %d body %q", i, resp.StatusCode, body)
		}
	}

	stats := a.Requests().Stats()
	if stats.Total != 2 || stats.Failed != 0 {
		t.Fatalf("request stats = %+v, want total 2 failed 0", stats)
	}
	waitActive(t, a.Pool(), 1) // keep-alive connection stays pooled
}

func TestHTTP_CountsServerErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	a, addr := startAdapter(t, testOptions(config.HTTP), handler)

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	stats := a.Requests().Stats()
	if stats.Failed != 1 {
		t.Fatalf("failed count = %d, want 1", stats.Failed)
	}
}

func TestHTTP_OverloadDeniedBeforeRouting(t *testing.T) {
	opts := testOptions(config.HTTP)
	opts.ConnectionPool.MaxConnections = 1
	a, addr := startAdapter(t, opts, okHandler())

	limitHit := make(chan pool.Event, 1)
	a.Pool().Subscribe(pool.EventPoolLimitReached, func(ev pool.Event) {
		select {
		case limitHit <- ev:
		default:
		}
	})

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n")); err != nil {
		t.Fatalf("write first request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(first), nil)
	if err != nil {
		t.Fatalf("read first response: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first response = %d, want 200", resp.StatusCode)
	}

	// The pool is full; the second connection is rejected at accept, before
	// any request is sent.
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	denied, err := http.ReadResponse(bufio.NewReader(second), nil)
	if err != nil {
		t.Fatalf("read denial: %v", err)
	}
	denied.Body.Close()
	if denied.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("denial status = %d, want 503", denied.StatusCode)
	}

	select {
	case <-limitHit:
	case <-time.After(3 * time.Second):
		t.Fatal("pool_limit_reached event not emitted")
	}
	if got := a.Pool().Active(); got != 1 {
		t.Fatalf("pool active = %d, want 1", got)
	}
}

func TestHTTPS_AdmitsAfterHandshake(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	opts := testOptions(config.HTTPS)
	opts.SSL = &config.SSLOptions{Key: keyPEM, Cert: certPEM}
	opts.ApplyDefaults()
	a, addr := startAdapter(t, opts, okHandler())

	client := &http.Client{
		Timeout: 3 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get("https://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	waitActive(t, a.Pool(), 1)
	conns := a.Pool().Conns()
	meta, ok := a.Pool().MetaOf(conns[0])
	if !ok || meta.TLS == nil {
		t.Fatal("admitted connection has no TLS metadata")
	}
	if meta.TLS.Version == "" || meta.TLS.CipherSuite == "" {
		t.Fatalf("handshake metadata incomplete: %+v", meta.TLS)
	}

	// TLS protocols surface a certificate check.
	checks := a.HealthChecks()
	if _, ok := checks["certificate"]; !ok {
		t.Fatalf("health checks = %v, want certificate entry", checks)
	}
}

func TestH2C_AdmitsSessionOnFirstStream(t *testing.T) {
	a, addr := startAdapter(t, testOptions(config.HTTP2), okHandler())

	client := &http.Client{Timeout: 3 * time.Second, Transport: h2cTransport()}
	resp, err := client.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Proto != "HTTP/2.0" {
		t.Fatalf("proto = %q, want HTTP/2.0", resp.Proto)
	}

	waitActive(t, a.Pool(), 1)
	custom := a.CustomMetrics()
	if custom["activeSessions"] != 1 {
		t.Fatalf("custom metrics = %v, want activeSessions 1", custom)
	}
}

func TestH2C_SessionCapDeniesNewSessions(t *testing.T) {
	opts := testOptions(config.HTTP2)
	opts.ConnectionPool.MaxConnections = 1
	a, addr := startAdapter(t, opts, okHandler())

	first := &http.Client{Timeout: 3 * time.Second, Transport: h2cTransport()}
	resp, err := first.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", resp.StatusCode)
	}

	// A second transport opens its own session; its first stream is turned
	// away without tearing down the first session.
	second := &http.Client{Timeout: 3 * time.Second, Transport: h2cTransport()}
	resp, err = second.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d, want 503", resp.StatusCode)
	}
	if got := a.Pool().Active(); got != 1 {
		t.Fatalf("pool active = %d, want 1", got)
	}
}

// ------------------------------------------------------------------

func h2cTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

func selfSignedPEM(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "httpserver-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}
