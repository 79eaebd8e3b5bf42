// Package server implements the protocol-agnostic server base: bind and
// serve lifecycle, five-step graceful shutdown, configuration hot-reload
// with restart classification, health rollup, and metrics history. Protocol
// particulars (native server type, TLS assembly, request plumbing) live in
// an Adapter; the base drives it through a fixed hook sequence.
//
// # Lifecycle
//
// A server moves through the numeric statuses {0 created, 1 starting,
// 2 running, 3 draining, 4 stopped}; 503 marks a kill signal observed
// before shutdown finished. Start binds the listener and hands it to the
// adapter; a bind failure logs server_error and leaves the status at
// created so the supervisor can retry or report without tearing anything
// down.
//
// # Shutdown
//
// Stop runs the five-step drain: stop accepting, drain delay, poll the pool
// until idle, force-close the remainder, deregister periodic tasks.
// Concurrent Stop calls coalesce on the first call's outcome.
package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/metrics"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/pool"
	"github.com/koatty/serve/internal/util"
)

// Status is a server lifecycle state. The numeric values appear in the
// monitoring API.
type Status int

const (
	StatusCreated  Status = 0
	StatusStarting Status = 1
	StatusRunning  Status = 2
	StatusDraining Status = 3
	StatusStopped  Status = 4

	// StatusKilled marks a server that observed a kill signal; the
	// monitoring API reports it as 503.
	StatusKilled Status = 503
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusDraining:
		return "draining"
	case StatusStopped:
		return "stopped"
	case StatusKilled:
		return "killed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Adapter supplies the protocol-specific half of a server. The base calls
// CreateServer, ConfigureOptions and PostInit in that order during Start,
// then hands the bound listener to Serve on its own goroutine.
type Adapter interface {
	// Protocol names the adapter's wire protocol.
	Protocol() config.Protocol

	// CreateServer composes the native server from the snapshot,
	// including TLS assembly where the protocol calls for it.
	CreateServer(opts *config.ListeningOptions) error

	// ConfigureOptions applies native tunables (timeouts, session
	// settings) after creation.
	ConfigureOptions(opts *config.ListeningOptions) error

	// PostInit runs protocol-specific initialization: service
	// registration, upgrade routes, interceptor wiring.
	PostInit(opts *config.ListeningOptions) error

	// Serve accepts on the bound listener and blocks. It returns nil
	// once the native server stops in an orderly way; abnormal
	// termination returns the cause.
	Serve(lis net.Listener) error

	// StopAccepting begins shutdown of the accept path without touching
	// in-flight work. The base has already closed the listener.
	StopAccepting()

	// ForceShutdown kills the native server outright.
	ForceShutdown()

	// ApplyRuntime mutates live native attributes for a runtime-apply
	// configuration change.
	ApplyRuntime(opts *config.ListeningOptions) error

	// HealthChecks returns protocol-specific health constituents, merged
	// into the base rollup.
	HealthChecks() map[string]metrics.Check

	// CustomMetrics returns the protocol section of a metrics snapshot.
	CustomMetrics() map[string]any

	// Pool returns the adapter's connection pool.
	Pool() *pool.Pool

	// Requests returns the adapter's request counters.
	Requests() *metrics.RequestCounters
}

// Shutdown pacing. The force-close reserve is carved out of the overall
// stop budget so step 4 always gets a slice.
const (
	DefaultStopTimeout = 30 * time.Second
	DefaultDrainDelay  = 5 * time.Second

	drainPollInterval  = 100 * time.Millisecond
	drainProgressEvery = 5 * time.Second
	forceCloseBudget   = 5 * time.Second
)

// DefaultMemoryThreshold is the soft RSS limit for the memory health check.
const DefaultMemoryThreshold = 512 << 20

// stopState carries one in-progress shutdown so concurrent callers share
// its outcome.
type stopState struct {
	done chan struct{}
	err  error
}

// Base is a protocol server: one adapter, one pool, one listener.
type Base struct {
	id      string
	adapter Adapter
	sched   *monitor.Scheduler
	log     *logging.Logger
	sampler *metrics.Sampler
	history *metrics.History

	opts atomic.Pointer[config.ListeningOptions]

	// listenCallback, when set before Start, fires once the listener is
	// bound and the server is running.
	listenCallback func()

	mu        sync.Mutex
	status    Status
	listener  net.Listener
	startedAt time.Time
	stopping  *stopState
	taskNames []string
	gen       uint64 // bumped by every Stop; lets a restart detect supersession
}

// New builds a server around the adapter. The options snapshot must already
// carry defaults; New clones it so later edits by the caller cannot reach
// the running server.
func New(opts *config.ListeningOptions, adapter Adapter, sched *monitor.Scheduler, log *logging.Logger) (*Base, error) {
	if opts == nil {
		return nil, fmt.Errorf("server: listening options are required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("server: adapter is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("server: scheduler is required")
	}
	if log == nil {
		log = logging.New(nil)
	}

	s := &Base{
		id:      util.GenerateServerID(string(opts.Protocol)),
		adapter: adapter,
		sched:   sched,
		sampler: metrics.NewSampler(),
		history: metrics.NewHistory(metrics.DefaultHistorySize),
		status:  StatusCreated,
	}
	s.opts.Store(opts.Clone())
	s.log = log.Child(logging.Context{
		Module:   "SERVER",
		Protocol: strings.ToUpper(string(opts.Protocol)),
		ServerID: s.id,
	})
	return s, nil
}

// ID returns the process-unique server identifier.
func (s *Base) ID() string { return s.id }

// Protocol returns the adapter's wire protocol.
func (s *Base) Protocol() config.Protocol { return s.adapter.Protocol() }

// Options returns a deep copy of the current configuration snapshot.
func (s *Base) Options() *config.ListeningOptions { return s.opts.Load().Clone() }

// Status returns the current lifecycle state.
func (s *Base) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Listening reports whether the server currently holds a bound listener.
func (s *Base) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && s.status == StatusRunning
}

// Addr returns the bound listener address, useful with port 0.
func (s *Base) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the pool's admitted count.
func (s *Base) ActiveConnections() int { return s.adapter.Pool().Active() }

// Uptime is the time since the server last reached running; zero before.
func (s *Base) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// OnListen registers a callback invoked once per successful Start, after
// the listener is bound. Must be set before Start.
func (s *Base) OnListen(fn func()) { s.listenCallback = fn }

// NotifyKilled marks the server as having observed a kill signal. The
// monitoring API surfaces the 503 status until shutdown completes.
func (s *Base) NotifyKilled() {
	s.mu.Lock()
	s.status = StatusKilled
	s.mu.Unlock()
	s.log.Warn("server_killed", "kill signal observed", nil)
}

// Start composes the native server, binds the listener and begins serving
// on a background goroutine. A bind or composition failure logs
// server_error and leaves the status at created.
func (s *Base) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStarting || s.status == StatusRunning || s.status == StatusDraining {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("server %s: already %s", s.id, status)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	opts := s.opts.Load()
	s.log.ServerEvent(logging.ServerStarting, s.id, fmt.Sprintf("starting %s server on %s", opts.Protocol, opts.Addr()), nil)

	if err := s.compose(opts); err != nil {
		s.failStart(err)
		return err
	}

	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", opts.Addr())
	if err != nil {
		err = fmt.Errorf("server %s: bind %s: %w", s.id, opts.Addr(), err)
		s.failStart(err)
		return err
	}

	s.mu.Lock()
	s.listener = lis
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.adapter.Pool().SetDraining(false)
	s.registerTasks(opts)

	go s.serve(lis)

	s.log.ServerEvent(logging.ServerStarted, s.id, fmt.Sprintf("listening on %s", lis.Addr()), map[string]any{
		"protocol": string(opts.Protocol),
	})
	if s.listenCallback != nil {
		s.listenCallback()
	}
	return nil
}

// compose runs the adapter's creation hooks in template order.
func (s *Base) compose(opts *config.ListeningOptions) error {
	if err := s.adapter.CreateServer(opts); err != nil {
		return fmt.Errorf("server %s: create: %w", s.id, err)
	}
	if err := s.adapter.ConfigureOptions(opts); err != nil {
		return fmt.Errorf("server %s: configure: %w", s.id, err)
	}
	if err := s.adapter.PostInit(opts); err != nil {
		return fmt.Errorf("server %s: post-init: %w", s.id, err)
	}
	return nil
}

// failStart logs the failure and returns the server to created so a later
// Start can retry.
func (s *Base) failStart(err error) {
	s.mu.Lock()
	s.status = StatusCreated
	s.mu.Unlock()
	s.log.ServerEvent(logging.ServerError, s.id, "start failed", err)
}

// serve runs the adapter's accept loop and reports abnormal termination.
func (s *Base) serve(lis net.Listener) {
	err := s.adapter.Serve(lis)
	if err == nil {
		return
	}
	s.mu.Lock()
	stopping := s.stopping != nil || s.status == StatusDraining || s.status == StatusStopped
	if !stopping {
		s.status = StatusStopped
	}
	s.mu.Unlock()
	if stopping {
		s.log.Debug("serve", "accept loop ended during shutdown: "+err.Error(), nil)
		return
	}
	s.log.ServerEvent(logging.ServerError, s.id, "serve terminated", err)
}

// registerTasks places the pool's periodic jobs and the metrics sampler on
// the shared scheduler.
func (s *Base) registerTasks(opts *config.ListeningOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskNames = s.taskNames[:0]

	for _, task := range s.adapter.Pool().Tasks() {
		if err := s.sched.Register(task); err != nil {
			s.log.Warn("monitoring", "task registration failed: "+err.Error(), nil)
			continue
		}
		s.taskNames = append(s.taskNames, task.Name)
	}

	interval := opts.ExtDuration("metricsInterval", 5*time.Second)
	metricsTask := monitor.NewTask(s.id+":metrics", interval, func(context.Context) error {
		s.history.Add(s.Snapshot())
		return nil
	})
	metricsTask.Description = "samples server performance into the history ring"
	if err := s.sched.Register(metricsTask); err != nil {
		s.log.Warn("monitoring", "metrics task registration failed: "+err.Error(), nil)
		return
	}
	s.taskNames = append(s.taskNames, metricsTask.Name)
}

// deregisterTasks removes every task the server registered.
func (s *Base) deregisterTasks() {
	s.mu.Lock()
	names := make([]string, len(s.taskNames))
	copy(names, s.taskNames)
	s.taskNames = s.taskNames[:0]
	s.mu.Unlock()

	for _, name := range names {
		s.sched.Unregister(name)
	}
}

// reRegisterPoolTasks refreshes the pool's periodic jobs after a runtime
// config change so new intervals take effect.
func (s *Base) reRegisterPoolTasks() {
	s.mu.Lock()
	keep := s.taskNames[:0]
	var poolTasks []string
	for _, name := range s.taskNames {
		if name == s.id+":metrics" {
			keep = append(keep, name)
		} else {
			poolTasks = append(poolTasks, name)
		}
	}
	s.taskNames = keep
	s.mu.Unlock()

	for _, name := range poolTasks {
		s.sched.Unregister(name)
	}

	s.mu.Lock()
	for _, task := range s.adapter.Pool().Tasks() {
		if err := s.sched.Register(task); err != nil {
			s.log.Warn("monitoring", "task registration failed: "+err.Error(), nil)
			continue
		}
		s.taskNames = append(s.taskNames, task.Name)
	}
	s.mu.Unlock()
}
