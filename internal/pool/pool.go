// Package pool implements the shared connection-pool base the protocol
// servers build on: bounded admission, per-entry idle eviction, liveness
// bookkeeping, event dispatch, and bounded mass close. Protocol behavior
// (what a handle is, how to probe it, how to close it politely) lives in a
// Strategy; the base owns the map, the counters and the draining gate.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/metrics"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/util"
)

// Conn is the opaque handle a strategy manages: a net.Conn for socket pools,
// a *websocket.Conn for websockets, a call-id string for grpc. Handles must
// be comparable; the entry map is keyed by handle identity.
type Conn = any

// Strategy supplies the protocol-specific half of a pool.
type Strategy interface {
	// Validate vets a handle before admission and fills the protocol
	// section of its metadata. An error rejects the handle.
	Validate(conn Conn, meta *Meta) error

	// Healthy reports protocol liveness for an admitted handle.
	Healthy(conn Conn, meta Meta, cfg config.PoolConfig) bool

	// CloseGraceful asks one handle to shut down politely, bounded by ctx.
	// The pool force-cleans afterwards regardless of the outcome.
	CloseGraceful(ctx context.Context, p *Pool, conn Conn, meta Meta) error

	// Cleanup releases the native resource. Called exactly once, after the
	// entry left the map.
	Cleanup(conn Conn, meta Meta, reason string)

	// IdleTimeout is the per-entry inactivity budget; zero disables the
	// idle timer.
	IdleTimeout(cfg config.PoolConfig) time.Duration

	// Tasks lists the periodic jobs this pool wants on the scheduler.
	// Intervals are derived from the pool's current configuration, so the
	// owner re-registers after a config change.
	Tasks(p *Pool) []monitor.Task
}

// closeConcurrency bounds parallel graceful closes during CloseAll.
const closeConcurrency = 32

// perCloseBudget bounds one graceful close inside CloseAll, so a single
// unresponsive peer cannot hold a concurrency slot for the whole drain.
const perCloseBudget = 2 * time.Second

// destroyTimeout is the close-all budget used by Destroy.
const destroyTimeout = 5 * time.Second

type entry struct {
	meta      *Meta
	available bool
	timer     *time.Timer
}

// Pool tracks admitted connections for one server.
type Pool struct {
	name     string
	protocol config.Protocol
	strategy Strategy
	log      *logging.Logger

	cfg       atomic.Pointer[config.PoolConfig]
	createdAt time.Time

	mu         sync.Mutex
	entries    map[Conn]*entry
	draining   bool
	destroyed  bool
	lastHealth metrics.HealthState

	listenerMu   sync.Mutex
	nextListener int
	listeners    map[EventKind][]listenerEntry

	total    atomic.Int64
	rejected atomic.Int64
	removed  atomic.Int64
	timeouts atomic.Int64
	errors   atomic.Int64
}

// New builds a pool around the given strategy. The configuration is
// validated up front; an invalid one refuses construction.
func New(name string, protocol config.Protocol, strategy Strategy, cfg config.PoolConfig, log *logging.Logger) (*Pool, error) {
	if name == "" {
		name = string(protocol) + "-pool"
	}
	if strategy == nil {
		return nil, fmt.Errorf("pool %s: strategy is required", name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}
	p := &Pool{
		name:      name,
		protocol:  protocol,
		strategy:  strategy,
		log:       logging.New(nil),
		createdAt: time.Now(),
		entries:   make(map[Conn]*entry),
		listeners: make(map[EventKind][]listenerEntry),
	}
	if log != nil {
		p.log = log
	}
	p.log = p.log.Child(logging.Context{Module: "POOL"})
	p.cfg.Store(&cfg)
	return p, nil
}

// Name returns the pool's identifier used in task names and events.
func (p *Pool) Name() string { return p.name }

// Protocol returns the protocol this pool serves.
func (p *Pool) Protocol() config.Protocol { return p.protocol }

// Config returns the current configuration snapshot.
func (p *Pool) Config() config.PoolConfig { return *p.cfg.Load() }

// ─── Admission and removal ────────────────────────────────────────────────────

// CanAccept reports whether an admission attempt would currently succeed.
// Advisory: the authoritative check happens inside Register.
func (p *Pool) CanAccept() bool {
	cfg := p.cfg.Load()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.draining {
		return false
	}
	return cfg.Unlimited() || len(p.entries) < cfg.MaxConnections
}

// Register admits a handle. It returns false, without error, when the pool
// is at capacity, draining, destroyed, or the strategy rejects the handle.
func (p *Pool) Register(conn Conn, meta Meta) bool {
	cfg := p.cfg.Load()

	p.mu.Lock()
	if p.destroyed || p.draining {
		p.mu.Unlock()
		p.rejected.Add(1)
		p.log.Debug("pool_admission", "rejected: pool not accepting", map[string]any{"draining": true})
		return false
	}
	if !cfg.Unlimited() && len(p.entries) >= cfg.MaxConnections {
		active := len(p.entries)
		p.mu.Unlock()
		p.rejected.Add(1)
		p.emit(EventPoolLimitReached, "", "max_connections", map[string]any{
			"active": active,
			"max":    cfg.MaxConnections,
		})
		p.log.Warn("pool_admission", fmt.Sprintf("rejected: pool limit %d reached", cfg.MaxConnections), nil)
		return false
	}
	if _, dup := p.entries[conn]; dup {
		p.mu.Unlock()
		p.log.Warn("pool_admission", "rejected: handle already pooled", nil)
		return false
	}
	if err := p.strategy.Validate(conn, &meta); err != nil {
		p.mu.Unlock()
		p.rejected.Add(1)
		p.log.Warn("pool_admission", "rejected: "+err.Error(), nil)
		return false
	}

	now := time.Now()
	if meta.ID == "" {
		meta.ID = util.GenerateServerID("conn")
	}
	if meta.Protocol == "" {
		meta.Protocol = p.protocol
	}
	meta.AdmittedAt = now
	meta.LastActivity = now

	e := &entry{meta: &meta, available: true}
	p.entries[conn] = e
	active := len(p.entries)
	if idle := p.strategy.IdleTimeout(*cfg); idle > 0 {
		e.timer = time.AfterFunc(idle, func() { p.expire(conn) })
	}
	p.mu.Unlock()

	p.total.Add(1)
	p.emit(EventConnectionAdded, meta.ID, "", map[string]any{"active": active, "remoteAddr": meta.RemoteAddr})
	p.log.ConnectionEvent(logging.ConnectionConnected, meta.ID, "connection admitted", map[string]any{"active": active})
	return true
}

// expire is the idle-timer callback. Activity after the timer was armed
// re-arms for the remainder instead of evicting.
func (p *Pool) expire(conn Conn) {
	cfg := p.cfg.Load()
	idle := p.strategy.IdleTimeout(*cfg)

	p.mu.Lock()
	e, ok := p.entries[conn]
	if !ok {
		p.mu.Unlock()
		return
	}
	if idle <= 0 {
		p.mu.Unlock()
		return
	}
	since := time.Since(e.meta.LastActivity)
	if since < idle {
		e.timer = time.AfterFunc(idle-since, func() { p.expire(conn) })
		p.mu.Unlock()
		return
	}
	connID := e.meta.ID
	p.mu.Unlock()

	p.timeouts.Add(1)
	p.emit(EventConnectionTimeout, connID, "idle_timeout", map[string]any{"idleFor": since.String()})
	p.log.ConnectionEvent(logging.ConnectionTimeout, connID, "connection idle past budget", map[string]any{"idleFor": since.String()})
	p.Remove(conn, "connection_timeout")
}

// Remove evicts a handle, cancels its timer, runs the strategy's cleanup
// exactly once and emits the removal event. Absent handles are a no-op.
func (p *Pool) Remove(conn Conn, reason string) bool {
	p.mu.Lock()
	e, ok := p.entries[conn]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, conn)
	if e.timer != nil {
		e.timer.Stop()
	}
	meta := e.meta.clone()
	active := len(p.entries)
	p.mu.Unlock()

	p.removed.Add(1)
	p.strategy.Cleanup(conn, meta, reason)
	p.emit(EventConnectionRemoved, meta.ID, reason, map[string]any{"active": active})
	p.log.ConnectionEvent(logging.ConnectionDisconnected, meta.ID, "connection removed: "+reason, map[string]any{"active": active})
	return true
}

// ─── Entry bookkeeping ────────────────────────────────────────────────────────

// Touch records activity on a handle, deferring idle eviction.
func (p *Pool) Touch(conn Conn) {
	p.withEntry(conn, func(e *entry) { e.meta.LastActivity = time.Now() })
}

// SetBusy flips a handle between idle and busy.
func (p *Pool) SetBusy(conn Conn, busy bool) {
	p.withEntry(conn, func(e *entry) {
		e.available = !busy
		e.meta.LastActivity = time.Now()
	})
}

// MarkAlive records a liveness acknowledgement (a websocket pong).
func (p *Pool) MarkAlive(conn Conn) {
	p.withEntry(conn, func(e *entry) {
		now := time.Now()
		e.meta.LastActivity = now
		if e.meta.WS != nil {
			e.meta.WS.IsAlive = true
			e.meta.WS.LastPong = now
			e.meta.WS.MissedPings = 0
		}
	})
}

// ReportError charges a connection-level error against the pool.
func (p *Pool) ReportError(conn Conn, err error) {
	p.errors.Add(1)
	connID := ""
	if meta, ok := p.MetaOf(conn); ok {
		connID = meta.ID
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	p.emit(EventConnectionError, connID, reason, nil)
	p.log.ConnectionEvent(logging.ConnectionError, connID, "connection error", err)
}

// Contains reports whether the handle is currently pooled.
func (p *Pool) Contains(conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[conn]
	return ok
}

// MetaOf returns a copy of the handle's metadata.
func (p *Pool) MetaOf(conn Conn) (Meta, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[conn]
	if !ok {
		return Meta{}, false
	}
	return e.meta.clone(), true
}

// Conns returns a snapshot of the pooled handles.
func (p *Pool) Conns() []Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Conn, 0, len(p.entries))
	for c := range p.entries {
		out = append(out, c)
	}
	return out
}

// Active returns the admitted connection count.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Healthy reports protocol liveness for a pooled handle; false if absent.
func (p *Pool) Healthy(conn Conn) bool {
	meta, ok := p.MetaOf(conn)
	if !ok {
		return false
	}
	return p.strategy.Healthy(conn, meta, *p.cfg.Load())
}

// withEntry runs fn under the pool lock if the handle is present.
func (p *Pool) withEntry(conn Conn, fn func(*entry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[conn]; ok {
		fn(e)
	}
}

// ─── Draining and mass close ──────────────────────────────────────────────────

// SetDraining opens or closes the admission gate. While draining, Register
// refuses every handle.
func (p *Pool) SetDraining(draining bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draining = draining
}

// Draining reports whether admissions are currently refused.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// CloseAll drains the pool: admissions stop, every handle gets a bounded
// graceful close (at most closeConcurrency in flight), and stragglers are
// force-removed once the budget is spent.
func (p *Pool) CloseAll(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p.mu.Lock()
	p.draining = true
	conns := make([]Conn, 0, len(p.entries))
	metas := make([]Meta, 0, len(p.entries))
	for c, e := range p.entries {
		conns = append(conns, c)
		metas = append(metas, e.meta.clone())
	}
	p.mu.Unlock()

	if len(conns) == 0 {
		return
	}
	p.log.Info("pool_close_all", fmt.Sprintf("closing %d connections", len(conns)), map[string]any{"timeout": timeout.String()})

	sem := semaphore.NewWeighted(closeConcurrency)
	var wg sync.WaitGroup
	for i, conn := range conns {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // budget exhausted; stragglers are forced below
		}
		wg.Add(1)
		go func(conn Conn, meta Meta) {
			defer wg.Done()
			defer sem.Release(1)
			err := util.ExecuteWithTimeout(ctx, "graceful close", perCloseBudget, func(ctx context.Context) error {
				return p.strategy.CloseGraceful(ctx, p, conn, meta)
			})
			if err != nil {
				p.log.Debug("pool_close_all", "graceful close: "+err.Error(), nil)
			}
			p.Remove(conn, "pool_cleanup")
		}(conn, metas[i])
	}
	wg.Wait()

	for _, conn := range p.Conns() {
		p.Remove(conn, "force_closed")
	}
}

// ─── Health, metrics, configuration ───────────────────────────────────────────

// Health is the pool's capacity grade.
type Health struct {
	State       metrics.HealthState `json:"status"`
	Utilization float64             `json:"utilizationRatio"`
	Active      int                 `json:"activeConnections"`
	Max         int                 `json:"maxConnections"`
}

// Health recomputes the capacity grade and emits health_status_changed on a
// transition. Unlimited pools report zero utilization.
func (p *Pool) Health() Health {
	cfg := p.cfg.Load()

	p.mu.Lock()
	h := Health{Active: len(p.entries), Max: cfg.MaxConnections}
	if !cfg.Unlimited() {
		h.Utilization = float64(h.Active) / float64(cfg.MaxConnections)
	}
	if p.destroyed {
		h.State = metrics.Unhealthy
	} else {
		h.State = metrics.ForUtilization(h.Utilization)
	}
	prev := p.lastHealth
	p.lastHealth = h.State
	p.mu.Unlock()

	if prev != "" && prev != h.State {
		p.emit(EventHealthChanged, "", string(h.State), map[string]any{"from": string(prev), "to": string(h.State)})
		p.log.Info("pool_health", fmt.Sprintf("health %s -> %s", prev, h.State), nil)
	}
	return h
}

// Metrics is the pool's composite counter snapshot.
type Metrics struct {
	Pool           string              `json:"pool"`
	Protocol       config.Protocol     `json:"protocol"`
	MaxConnections int                 `json:"maxConnections"`
	Active         int64               `json:"active"`
	Total          int64               `json:"total"`
	Rejected       int64               `json:"rejected"`
	Removed        int64               `json:"removed"`
	Timeouts       int64               `json:"timeouts"`
	Errors         int64               `json:"errors"`
	Utilization    float64             `json:"utilizationRatio"`
	Health         metrics.HealthState `json:"health"`
	Uptime         float64             `json:"uptime"` // seconds
}

// Metrics returns the counters, grade and uptime in one snapshot.
func (p *Pool) Metrics() Metrics {
	h := p.Health()
	return Metrics{
		Pool:           p.name,
		Protocol:       p.protocol,
		MaxConnections: h.Max,
		Active:         int64(h.Active),
		Total:          p.total.Load(),
		Rejected:       p.rejected.Load(),
		Removed:        p.removed.Load(),
		Timeouts:       p.timeouts.Load(),
		Errors:         p.errors.Load(),
		Utilization:    h.Utilization,
		Health:         h.State,
		Uptime:         time.Since(p.createdAt).Seconds(),
	}
}

// ConnectionStats renders the pool counters in the shape server snapshots
// carry. Average latency is request-level data and is filled by the owner.
func (p *Pool) ConnectionStats() metrics.ConnectionStats {
	m := p.Metrics()
	stats := metrics.ConnectionStats{
		Active:    m.Active,
		Total:     m.Total,
		ErrorRate: metrics.ErrorRate(m.Errors, m.Total),
	}
	if m.Uptime > 0 {
		stats.PerSecond = float64(m.Total) / m.Uptime
	}
	return stats
}

// UpdateConfig validates and atomically swaps the configuration snapshot.
// On failure the previous snapshot stays in place and false is returned.
func (p *Pool) UpdateConfig(next config.PoolConfig) bool {
	if err := next.Validate(); err != nil {
		p.log.Warn("pool_config", "rejected config update: "+err.Error(), nil)
		return false
	}
	p.cfg.Store(&next)
	p.log.Info("pool_config", "configuration updated", map[string]any{"maxConnections": next.MaxConnections})
	return true
}

// Tasks returns the strategy's periodic jobs for the scheduler, named under
// this pool. Call again after UpdateConfig to pick up new intervals.
func (p *Pool) Tasks() []monitor.Task {
	tasks := p.strategy.Tasks(p)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Priority < tasks[j].Priority })
	return tasks
}

// Destroy closes every connection with a bounded budget and drops all
// listeners. Idempotent; the pool refuses admissions afterwards.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	p.CloseAll(destroyTimeout)

	p.listenerMu.Lock()
	p.listeners = make(map[EventKind][]listenerEntry)
	p.listenerMu.Unlock()
	p.log.Info("pool_destroy", "pool destroyed", nil)
}

// orDefault substitutes def for non-positive durations.
func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
