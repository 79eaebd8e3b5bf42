package server_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/metrics"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/pool"
	"github.com/koatty/serve/internal/server"
)

// passStrategy admits anything, so the lifecycle tests can park arbitrary
// handles in the pool.
type passStrategy struct{}

func (passStrategy) Validate(pool.Conn, *pool.Meta) error { return nil }

func (passStrategy) Healthy(pool.Conn, pool.Meta, config.PoolConfig) bool {
	return true
}

func (passStrategy) CloseGraceful(context.Context, *pool.Pool, pool.Conn, pool.Meta) error {
	return nil
}

func (passStrategy) Cleanup(pool.Conn, pool.Meta, string) {}

func (passStrategy) IdleTimeout(config.PoolConfig) time.Duration { return 0 }

func (passStrategy) Tasks(*pool.Pool) []monitor.Task { return nil }

// stubAdapter runs a bare TCP accept loop so the base can be exercised
// without a protocol stack.
type stubAdapter struct {
	protocol config.Protocol
	pool     *pool.Pool
	requests *metrics.RequestCounters
	checks   map[string]metrics.Check

	createErr error

	created     atomic.Int64
	configured  atomic.Int64
	postInits   atomic.Int64
	stopAccepts atomic.Int64
	forceKills  atomic.Int64

	mu      sync.Mutex
	runtime []*config.ListeningOptions
}

func newStubAdapter(t *testing.T, cfg config.PoolConfig) *stubAdapter {
	t.Helper()
	p, err := pool.New("stub-pool", config.HTTP, passStrategy{}, cfg, logging.New(nil))
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(p.Destroy)
	return &stubAdapter{
		protocol: config.HTTP,
		pool:     p,
		requests: &metrics.RequestCounters{},
	}
}

func (a *stubAdapter) Protocol() config.Protocol { return a.protocol }

func (a *stubAdapter) CreateServer(*config.ListeningOptions) error {
	a.created.Add(1)
	return a.createErr
}

func (a *stubAdapter) ConfigureOptions(*config.ListeningOptions) error {
	a.configured.Add(1)
	return nil
}

func (a *stubAdapter) PostInit(*config.ListeningOptions) error {
	a.postInits.Add(1)
	return nil
}

func (a *stubAdapter) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			// Listener closed by the shutdown path.
			return nil
		}
		conn.Close()
	}
}

func (a *stubAdapter) StopAccepting() { a.stopAccepts.Add(1) }
func (a *stubAdapter) ForceShutdown() { a.forceKills.Add(1) }

func (a *stubAdapter) ApplyRuntime(opts *config.ListeningOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runtime = append(a.runtime, opts)
	return nil
}

func (a *stubAdapter) HealthChecks() map[string]metrics.Check { return a.checks }

func (a *stubAdapter) CustomMetrics() map[string]any {
	return map[string]any{"stub": true}
}

func (a *stubAdapter) Pool() *pool.Pool { return a.pool }

func (a *stubAdapter) Requests() *metrics.RequestCounters { return a.requests }

func (a *stubAdapter) runtimeApplies() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runtime)
}

// ------------------------------------------------------------------

func testOptions() *config.ListeningOptions {
	opts := &config.ListeningOptions{
		Hostname: "127.0.0.1",
		Port:     0,
		Protocol: config.HTTP,
		Ext:      map[string]any{"drainDelay": 10},
	}
	opts.ApplyDefaults()
	return opts
}

func newTestServer(t *testing.T, opts *config.ListeningOptions) (*server.Base, *stubAdapter, *monitor.Scheduler) {
	t.Helper()
	adapter := newStubAdapter(t, opts.ConnectionPool)
	sched := monitor.NewScheduler(logging.New(nil), time.Hour)
	t.Cleanup(sched.Destroy)

	s, err := server.New(opts, adapter, sched, logging.New(nil))
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, adapter, sched
}

func mustStart(t *testing.T, s *server.Base) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func stopWithin(t *testing.T, s *server.Base, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ------------------------------------------------------------------

func TestLifecycle(t *testing.T) {
	s, adapter, sched := newTestServer(t, testOptions())

	if got := s.Status(); got != server.StatusCreated {
		t.Fatalf("initial status = %v, want created", got)
	}
	if s.Listening() {
		t.Fatal("server reports listening before Start")
	}

	var listened atomic.Bool
	s.OnListen(func() { listened.Store(true) })
	mustStart(t, s)

	if got := s.Status(); got != server.StatusRunning {
		t.Fatalf("status after Start = %v, want running", got)
	}
	if !s.Listening() {
		t.Fatal("server not listening after Start")
	}
	if !listened.Load() {
		t.Fatal("listen callback not invoked")
	}
	if got := adapter.created.Load(); got != 1 {
		t.Fatalf("CreateServer calls = %d, want 1", got)
	}
	if got := adapter.postInits.Load(); got != 1 {
		t.Fatalf("PostInit calls = %d, want 1", got)
	}
	if len(sched.TaskNames()) == 0 {
		t.Fatal("no periodic tasks registered after Start")
	}

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial bound listener: %v", err)
	}
	conn.Close()

	stopWithin(t, s, 5*time.Second)

	if got := s.Status(); got != server.StatusStopped {
		t.Fatalf("status after Stop = %v, want stopped", got)
	}
	if s.Listening() {
		t.Fatal("server reports listening after Stop")
	}
	if got := adapter.stopAccepts.Load(); got != 1 {
		t.Fatalf("StopAccepting calls = %d, want 1", got)
	}
	if got := len(sched.TaskNames()); got != 0 {
		t.Fatalf("tasks remaining after Stop = %d, want 0", got)
	}

	// Stopping a stopped server is a no-op.
	stopWithin(t, s, time.Second)
}

func TestStart_BindFailureKeepsCreated(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("blocker listen: %v", err)
	}
	defer blocker.Close()

	opts := testOptions()
	opts.Port = uint16(blocker.Addr().(*net.TCPAddr).Port)
	s, _, _ := newTestServer(t, opts)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded on an occupied port")
	}
	if got := s.Status(); got != server.StatusCreated {
		t.Fatalf("status after bind failure = %v, want created", got)
	}

	// The port frees up; a later Start succeeds.
	blocker.Close()
	mustStart(t, s)
	if got := s.Status(); got != server.StatusRunning {
		t.Fatalf("status after retry = %v, want running", got)
	}
}

func TestStart_ComposeFailureKeepsCreated(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	adapter.createErr = context.DeadlineExceeded

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite CreateServer failure")
	}
	if got := s.Status(); got != server.StatusCreated {
		t.Fatalf("status = %v, want created", got)
	}
}

func TestStart_RejectsDoubleStart(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	mustStart(t, s)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded while running")
	}
}

func TestStop_CoalescesConcurrentCalls(t *testing.T) {
	opts := testOptions()
	opts.Ext["drainDelay"] = 150
	s, adapter, _ := newTestServer(t, opts)
	mustStart(t, s)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[i] = s.Stop(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Stop[%d]: %v", i, err)
		}
	}
	if got := adapter.stopAccepts.Load(); got != 1 {
		t.Fatalf("StopAccepting calls = %d, want 1 (shutdowns must coalesce)", got)
	}
	if got := s.Status(); got != server.StatusStopped {
		t.Fatalf("status = %v, want stopped", got)
	}
}

func TestStop_ForcesConnectionsAfterBudget(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	mustStart(t, s)

	// Park a handle that nothing will ever release voluntarily.
	if !adapter.pool.Register("stuck", pool.Meta{}) {
		t.Fatal("register stuck handle")
	}

	// A budget shorter than the force-close reserve skips straight from the
	// drain delay to the forced sweep.
	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := s.ActiveConnections(); got != 0 {
		t.Fatalf("active connections after forced stop = %d, want 0", got)
	}
	if got := adapter.forceKills.Load(); got != 1 {
		t.Fatalf("ForceShutdown calls = %d, want 1", got)
	}
}

func TestApplyConfig_NoChange(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	mustStart(t, s)

	if err := s.ApplyConfig(context.Background(), s.Options()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if got := adapter.created.Load(); got != 1 {
		t.Fatalf("CreateServer calls = %d, want 1 (no-op change must not rebuild)", got)
	}
	if got := adapter.runtimeApplies(); got != 0 {
		t.Fatalf("ApplyRuntime calls = %d, want 0", got)
	}
}

func TestApplyConfig_RuntimeApply(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	mustStart(t, s)
	before := s.Addr().String()

	next := s.Options()
	next.ConnectionPool.MaxConnections = 7
	next.ConnectionPool.ConnectionTimeout = config.Seconds(12)
	if err := s.ApplyConfig(context.Background(), next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if got := adapter.runtimeApplies(); got != 1 {
		t.Fatalf("ApplyRuntime calls = %d, want 1", got)
	}
	if got := adapter.pool.Config().MaxConnections; got != 7 {
		t.Fatalf("pool max after apply = %d, want 7", got)
	}
	if got := s.Status(); got != server.StatusRunning {
		t.Fatalf("status = %v, want running (runtime apply keeps the listener)", got)
	}
	if got := s.Addr().String(); got != before {
		t.Fatalf("listener moved from %s to %s on runtime apply", before, got)
	}
	if got := adapter.created.Load(); got != 1 {
		t.Fatalf("CreateServer calls = %d, want 1", got)
	}
	if got := s.Options().ConnectionPool.MaxConnections; got != 7 {
		t.Fatalf("snapshot max = %d, want 7", got)
	}
}

func TestApplyConfig_RestartOnPortChange(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	mustStart(t, s)

	next := s.Options()
	next.Port = freePort(t)
	if err := s.ApplyConfig(context.Background(), next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if got := s.Status(); got != server.StatusRunning {
		t.Fatalf("status after restart = %v, want running", got)
	}
	if got := adapter.created.Load(); got != 2 {
		t.Fatalf("CreateServer calls = %d, want 2 (restart rebuilds the native server)", got)
	}
	if got := uint16(s.Addr().(*net.TCPAddr).Port); got != next.Port {
		t.Fatalf("listening on port %d, want %d", got, next.Port)
	}
}

func TestApplyConfig_InvalidRejectedWhole(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	mustStart(t, s)

	next := s.Options()
	next.ConnectionPool.MaxConnections = -3
	if err := s.ApplyConfig(context.Background(), next); err == nil {
		t.Fatal("ApplyConfig accepted a negative pool limit")
	}

	if got := s.Status(); got != server.StatusRunning {
		t.Fatalf("status = %v, want running (invalid config must not disturb the server)", got)
	}
	if got := adapter.runtimeApplies(); got != 0 {
		t.Fatalf("ApplyRuntime calls = %d, want 0", got)
	}
	if got := s.Options().ConnectionPool.MaxConnections; got == -3 {
		t.Fatal("invalid snapshot reached the server")
	}
}

func TestHealth_RollsUpWorstConstituent(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	mustStart(t, s)

	report := s.Health()
	if report.Status != metrics.Healthy {
		t.Fatalf("running server health = %v, want healthy", report.Status)
	}
	for _, name := range []string{"listening", "connections", "memory", "ssl"} {
		if _, ok := report.Checks[name]; !ok {
			t.Fatalf("report missing %q check", name)
		}
	}

	// An adapter-contributed check drags the rollup down.
	adapter.checks = map[string]metrics.Check{
		"backend": {State: metrics.Degraded, Message: "upstream slow"},
	}
	if got := s.Health().Status; got != metrics.Degraded {
		t.Fatalf("health with degraded adapter check = %v, want degraded", got)
	}

	adapter.checks = nil
	stopWithin(t, s, 5*time.Second)
	report = s.Health()
	if report.Status != metrics.Unhealthy {
		t.Fatalf("stopped server health = %v, want unhealthy", report.Status)
	}
	if report.Checks["listening"].State != metrics.Unhealthy {
		t.Fatalf("listening check = %v, want unhealthy", report.Checks["listening"].State)
	}
}

func TestSnapshot_CarriesCounters(t *testing.T) {
	s, adapter, _ := newTestServer(t, testOptions())
	mustStart(t, s)

	adapter.requests.Observe(20*time.Millisecond, false)
	adapter.requests.Observe(40*time.Millisecond, true)
	adapter.pool.Register("conn-1", pool.Meta{})

	snap := s.Snapshot()
	if snap.ServerID != s.ID() {
		t.Fatalf("snapshot server id = %q, want %q", snap.ServerID, s.ID())
	}
	if snap.Protocol != "http" {
		t.Fatalf("snapshot protocol = %q, want http", snap.Protocol)
	}
	if snap.Requests.Total != 2 || snap.Requests.Failed != 1 {
		t.Fatalf("request stats = %+v, want total 2 failed 1", snap.Requests)
	}
	if snap.Connections.Active != 1 {
		t.Fatalf("active connections = %d, want 1", snap.Connections.Active)
	}
	if snap.Connections.AverageLatency != snap.Requests.AverageResponseTime {
		t.Fatal("connection latency not taken from request average")
	}
	if snap.Custom["stub"] != true {
		t.Fatalf("custom metrics not carried: %+v", snap.Custom)
	}
	if snap.Uptime <= 0 {
		t.Fatalf("uptime = %v, want > 0", snap.Uptime)
	}
}

func TestNotifyKilled(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	mustStart(t, s)

	s.NotifyKilled()
	if got := s.Status(); got != server.StatusKilled {
		t.Fatalf("status = %v, want killed", got)
	}

	stopWithin(t, s, 5*time.Second)
	if got := s.Status(); got != server.StatusStopped {
		t.Fatalf("status after Stop = %v, want stopped", got)
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return uint16(port)
}
