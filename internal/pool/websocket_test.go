package pool_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/pool"
)

// wsPair dials a throwaway upgrade server and returns both halves of one
// websocket connection.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade never reached the server")
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func newWSPool(t *testing.T, cfg config.PoolConfig) *pool.Pool {
	t.Helper()
	p, err := pool.NewWebSocketPool("", config.WS, cfg, logging.New(nil))
	if err != nil {
		t.Fatalf("NewWebSocketPool: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p
}

// startPoolTasks drives the pool's periodic jobs on a fast scheduler.
func startPoolTasks(t *testing.T, p *pool.Pool) {
	t.Helper()
	sched := monitor.NewScheduler(logging.New(nil), 20*time.Millisecond)
	t.Cleanup(sched.Destroy)
	for _, task := range p.Tasks() {
		if err := sched.Register(task); err != nil {
			t.Fatalf("Register(%s): %v", task.Name, err)
		}
	}
	sched.Start()
}

// ---------------------------------------------------------------------------

func TestWebSocketPool_HeartbeatEvictsDeadConnection(t *testing.T) {
	server, _ := wsPair(t) // the client never reads, so pings go unanswered

	cfg := config.PoolConfig{
		MaxConnections: 10,
		WebSocket: config.WSPoolOptions{
			PingInterval:      config.Millis(50),
			PongTimeout:       config.Millis(40),
			HeartbeatInterval: config.Millis(120),
		},
	}
	p := newWSPool(t, cfg)
	removed := subscribe(p, pool.EventConnectionRemoved)

	if !p.Register(server, pool.Meta{}) {
		t.Fatal("upgrade refused")
	}
	startPoolTasks(t, p)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-removed:
			if ev.Reason != "dead_connection" {
				t.Fatalf("removal reason = %q, want dead_connection", ev.Reason)
			}
			if p.Active() != 0 {
				t.Errorf("Active = %d after eviction, want 0", p.Active())
			}
			return
		case <-deadline:
			t.Fatal("silent connection never evicted")
		}
	}
}

func TestWebSocketPool_PongKeepsConnectionAlive(t *testing.T) {
	server, client := wsPair(t)

	cfg := config.PoolConfig{
		MaxConnections: 10,
		WebSocket: config.WSPoolOptions{
			PingInterval:      config.Millis(50),
			PongTimeout:       config.Millis(40),
			HeartbeatInterval: config.Millis(120),
		},
	}
	p := newWSPool(t, cfg)

	if !p.Register(server, pool.Meta{}) {
		t.Fatal("upgrade refused")
	}

	// The adapter normally wires this: pongs restore liveness.
	server.SetPongHandler(func(string) error {
		p.MarkAlive(server)
		return nil
	})
	// Both ends need read pumps for control frames to be processed: the
	// client's default ping handler answers with a pong, and the server's
	// reader delivers that pong to the handler above.
	go func() {
		for {
			if _, _, err := server.NextReader(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := client.NextReader(); err != nil {
				return
			}
		}
	}()

	startPoolTasks(t, p)

	time.Sleep(600 * time.Millisecond)
	if !p.Contains(server) {
		t.Fatal("responsive connection was evicted")
	}
	meta, _ := p.MetaOf(server)
	if meta.WS == nil || meta.WS.LastPong.IsZero() {
		t.Error("pong was never recorded")
	}
}

func TestWebSocketPool_RemoveSendsCleanupClose(t *testing.T) {
	server, client := wsPair(t)

	p := newWSPool(t, config.PoolConfig{MaxConnections: 10})
	if !p.Register(server, pool.Meta{}) {
		t.Fatal("upgrade refused")
	}

	p.Remove(server, "test")

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("client read error = %v, want close frame", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "Connection pool cleanup" {
		t.Errorf("close frame = %d %q, want 1000 %q", closeErr.Code, closeErr.Text, "Connection pool cleanup")
	}
}

func TestWebSocketPool_RejectsForeignHandles(t *testing.T) {
	p := newWSPool(t, config.PoolConfig{MaxConnections: 10})
	if p.Register("not-a-websocket", pool.Meta{}) {
		t.Fatal("foreign handle admitted")
	}
}
