package supervisor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koatty/serve/internal/audit"
	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/server"
	"github.com/koatty/serve/internal/server/wsserver"
	"github.com/koatty/serve/internal/supervisor"
)

// freeBasePort reserves count consecutive localhost ports and returns the
// first. The listeners are closed before returning, so another process
// could in principle steal one in the gap; retrying keeps that from
// flaking.
func freeBasePort(t *testing.T, count int) uint16 {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		base, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		port := base.Addr().(*net.TCPAddr).Port
		held := []net.Listener{base}
		ok := port+count <= 65535
		for i := 1; i < count && ok; i++ {
			lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port+i))
			if err != nil {
				ok = false
				break
			}
			held = append(held, lis)
		}
		for _, lis := range held {
			lis.Close()
		}
		if ok {
			return uint16(port)
		}
	}
	t.Fatal("no run of adjacent free ports found")
	return 0
}

func testConfig(port uint16, protocols ...config.Protocol) *config.Config {
	cfg := &config.Config{
		Hostname:  "127.0.0.1",
		Port:      port,
		Protocols: protocols,
		Ext:       map[string]any{"drainDelay": 10},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testApp() supervisor.Application {
	return supervisor.Application{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}),
		WSRoutes: wsserver.Routes{
			"/echo": func(conn *websocket.Conn, messageType int, data []byte) error {
				return conn.WriteMessage(messageType, data)
			},
		},
	}
}

func newSupervisor(t *testing.T, cfg *config.Config, app supervisor.Application) *supervisor.Supervisor {
	t.Helper()
	sched := monitor.NewScheduler(logging.New(nil), time.Hour)
	t.Cleanup(sched.Destroy)

	s, err := supervisor.New(cfg, app, sched, logging.New(nil))
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Destroy(ctx)
	})
	return s
}

func mustStart(t *testing.T, s *supervisor.Supervisor) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func httpGet(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestStartStop_MultiProtocol(t *testing.T) {
	base := freeBasePort(t, 2)
	s := newSupervisor(t, testConfig(base, config.HTTP, config.WS), testApp())
	mustStart(t, s)

	if got := len(s.Servers()); got != 2 {
		t.Fatalf("servers = %d, want 2", got)
	}
	if code := httpGet(t, fmt.Sprintf("http://127.0.0.1:%d/", base)); code != http.StatusOK {
		t.Errorf("http status = %d, want 200", code)
	}

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/echo", base+1), nil)
	if err != nil {
		t.Fatalf("ws dial on base+1: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	_, msg, err := ws.ReadMessage()
	if err != nil || string(msg) != "ping" {
		t.Fatalf("ws echo = %q, %v", msg, err)
	}
	ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, srv := range s.Servers() {
		if srv.Status() != server.StatusStopped {
			t.Errorf("%s status = %v, want stopped", srv.Protocol(), srv.Status())
		}
	}
}

func TestNew_RequiresMatchingApplication(t *testing.T) {
	cfg := testConfig(freeBasePort(t, 1), config.HTTP)
	sched := monitor.NewScheduler(logging.New(nil), time.Hour)
	t.Cleanup(sched.Destroy)

	if _, err := supervisor.New(cfg, supervisor.Application{}, sched, logging.New(nil)); err == nil {
		t.Fatal("New succeeded without an http handler")
	}
}

func TestStart_SiblingFailureDoesNotShortCircuit(t *testing.T) {
	base := freeBasePort(t, 2)
	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+1))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer blocker.Close()

	s := newSupervisor(t, testConfig(base, config.HTTP, config.WS), testApp())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with the websocket port occupied")
	}

	httpSrv, ok := s.GetServer(config.HTTP, 0)
	if !ok || !httpSrv.Listening() {
		t.Error("http sibling did not come up alongside the failed child")
	}
	wsSrv, ok := s.GetServer(config.WS, 0)
	if !ok {
		t.Fatal("ws child missing")
	}
	if wsSrv.Listening() {
		t.Error("ws child reports listening on an occupied port")
	}
}

func TestServerLookups(t *testing.T) {
	base := freeBasePort(t, 2)
	s := newSupervisor(t, testConfig(base, config.HTTP, config.WS), testApp())

	srvs := s.Servers()
	if len(srvs) != 2 || srvs[0].Protocol() != config.HTTP || srvs[1].Protocol() != config.WS {
		t.Fatalf("Servers() protocols wrong, want http then ws")
	}
	if _, ok := s.GetServer(config.WS, base+1); !ok {
		t.Error("GetServer(ws, exact port) missed")
	}
	if _, ok := s.GetServer(config.WS, base); ok {
		t.Error("GetServer(ws) matched the http port")
	}
	if _, ok := s.GetServer(config.GRPC, 0); ok {
		t.Error("GetServer(grpc) matched a protocol that is not configured")
	}

	byID, ok := s.ServerByID(srvs[0].ID())
	if !ok || byID != srvs[0] {
		t.Error("ServerByID round-trip failed")
	}
	if _, ok := s.ServerByID("nope"); ok {
		t.Error("ServerByID matched an unknown id")
	}
}

func TestApplyConfig_RuntimeChangeAndAuditTrail(t *testing.T) {
	base := freeBasePort(t, 1)
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	cfg := testConfig(base, config.HTTP)
	cfg.Ext["auditLog"] = path

	sched := monitor.NewScheduler(logging.New(nil), time.Hour)
	t.Cleanup(sched.Destroy)
	s, err := supervisor.New(cfg, testApp(), sched, logging.New(nil))
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	mustStart(t, s)

	next := testConfig(base, config.HTTP)
	next.Ext["auditLog"] = path
	next.ConnectionPool.MaxConnections = 77
	if err := s.ApplyConfig(context.Background(), next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	srv, _ := s.GetServer(config.HTTP, 0)
	if got := srv.Options().ConnectionPool.MaxConnections; got != 77 {
		t.Errorf("max connections = %d, want 77 applied in place", got)
	}
	if !srv.Listening() {
		t.Error("runtime change dropped the listener")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var actions []string
	for _, e := range entries {
		var rec audit.Record
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			t.Fatalf("entry %d payload: %v", e.Seq, err)
		}
		actions = append(actions, rec.Action)
	}
	want := []string{audit.ActionServerStart, audit.ActionConfigApply, audit.ActionServerStop}
	if !slices.Equal(actions, want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
}

func TestApplyConfig_PortChangeRestarts(t *testing.T) {
	a := freeBasePort(t, 1)
	b := freeBasePort(t, 1)
	for b == a {
		b = freeBasePort(t, 1)
	}

	s := newSupervisor(t, testConfig(a, config.HTTP), testApp())
	mustStart(t, s)

	srv, _ := s.GetServer(config.HTTP, 0)
	if got := srv.Addr().(*net.TCPAddr).Port; got != int(a) {
		t.Fatalf("initial port = %d, want %d", got, a)
	}

	if err := s.ApplyConfig(context.Background(), testConfig(b, config.HTTP)); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if got := srv.Addr().(*net.TCPAddr).Port; got != int(b) {
		t.Errorf("port after restart = %d, want %d", got, b)
	}
	if code := httpGet(t, fmt.Sprintf("http://127.0.0.1:%d/", b)); code != http.StatusOK {
		t.Errorf("status on new port = %d, want 200", code)
	}
}

func TestApplyConfig_ProtocolSetIsFixed(t *testing.T) {
	base := freeBasePort(t, 1)
	s := newSupervisor(t, testConfig(base, config.HTTP), testApp())
	mustStart(t, s)

	err := s.ApplyConfig(context.Background(), testConfig(base, config.HTTP, config.GRPC))
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("added-protocol error = %v, want 'not running'", err)
	}

	err = s.ApplyConfig(context.Background(), testConfig(base, config.WS))
	if err == nil || !strings.Contains(err.Error(), "removed from configuration") {
		t.Errorf("removed-protocol error = %v, want 'removed from configuration'", err)
	}

	srv, _ := s.GetServer(config.HTTP, 0)
	if !srv.Listening() {
		t.Error("running child disturbed by a rejected protocol change")
	}
}

func TestNotifyKilled_FansOut(t *testing.T) {
	base := freeBasePort(t, 2)
	s := newSupervisor(t, testConfig(base, config.HTTP, config.WS), testApp())
	mustStart(t, s)

	s.NotifyKilled()
	for _, srv := range s.Servers() {
		if srv.Status() != server.StatusKilled {
			t.Errorf("%s status = %v, want killed", srv.Protocol(), srv.Status())
		}
	}
}
