// Package terminus binds process termination signals to server shutdown.
//
// Each registered server gets its own signal watch: on SIGINT, SIGTERM or
// SIGQUIT the server is marked killed, the process-wide before-exit hooks
// run once, and the server is stopped under a forced-exit budget. A stop
// that beats the budget exits 0; one that does not exits 1. Development
// environments (APP_ENV/NODE_ENV unset or "development") skip the drain
// and exit immediately after the hooks.
package terminus

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/koatty/serve/internal/logging"
)

// DefaultGrace bounds how long a signal-driven stop may take before the
// process force-exits with code 1.
const DefaultGrace = 60 * time.Second

// Stopper is the server surface the binder drives on a termination signal.
// Both *server.Base and the supervisor satisfy it.
type Stopper interface {
	ID() string
	NotifyKilled()
	Stop(ctx context.Context) error
}

// Hook runs before the process exits. Errors are logged, never fatal.
type Hook func() error

// Notifier holds the ordered before-exit hook list. Hooks are identified
// by function pointer so they can be removed or rebound without wrapping.
type Notifier struct {
	mu    sync.Mutex
	hooks []Hook
}

// OnBeforeExit appends fn to the hook list.
func (n *Notifier) OnBeforeExit(fn Hook) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.hooks = append(n.hooks, fn)
	n.mu.Unlock()
}

// RemoveListener drops the first hook with fn's identity and reports
// whether one was found.
func (n *Notifier) RemoveListener(fn Hook) bool {
	if fn == nil {
		return false
	}
	ptr := reflect.ValueOf(fn).Pointer()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, h := range n.hooks {
		if reflect.ValueOf(h).Pointer() == ptr {
			n.hooks = append(n.hooks[:i], n.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of registered hooks.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.hooks)
}

// Rebind moves every hook registered on other into n, preserving order and
// skipping hooks n already holds. The moved functions keep their identity.
func (n *Notifier) Rebind(other *Notifier) {
	if other == nil || other == n {
		return
	}
	other.mu.Lock()
	moved := other.hooks
	other.hooks = nil
	other.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, h := range moved {
		ptr := reflect.ValueOf(h).Pointer()
		dup := false
		for _, have := range n.hooks {
			if reflect.ValueOf(have).Pointer() == ptr {
				dup = true
				break
			}
		}
		if !dup {
			n.hooks = append(n.hooks, h)
		}
	}
}

// drain runs the hooks sequentially. A hook error or panic is logged and
// the remaining hooks still run.
func (n *Notifier) drain(log *logging.Logger) {
	n.mu.Lock()
	hooks := append([]Hook(nil), n.hooks...)
	n.mu.Unlock()

	for i, h := range hooks {
		if err := runHook(h); err != nil {
			log.Error("before_exit", fmt.Sprintf("hook %d failed", i), err)
		}
	}
}

func runHook(h Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h()
}

// settings are the per-registration knobs; the binder's own values act as
// defaults for every Register call.
type settings struct {
	signals []os.Signal
	grace   time.Duration
	exit    func(code int)
	getenv  func(string) string
}

// Option adjusts a binder (via New) or a single registration (via
// Register).
type Option func(*settings)

// WithSignals replaces the termination signal set.
func WithSignals(sigs ...os.Signal) Option {
	return func(s *settings) { s.signals = append([]os.Signal(nil), sigs...) }
}

// WithGrace replaces the forced-exit budget.
func WithGrace(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithExit replaces the exit function. Tests use this to observe the exit
// code instead of terminating the test binary.
func WithExit(fn func(code int)) Option {
	return func(s *settings) {
		if fn != nil {
			s.exit = fn
		}
	}
}

// WithGetenv replaces the environment lookup behind the
// production-versus-development decision.
func WithGetenv(fn func(string) string) Option {
	return func(s *settings) {
		if fn != nil {
			s.getenv = fn
		}
	}
}

// Binder arms one signal watch per registered server. The before-exit
// hooks are process-wide and run at most once no matter how many servers
// observe the signal.
type Binder struct {
	log      *logging.Logger
	notifier *Notifier
	defaults settings

	drainOnce sync.Once

	mu   sync.Mutex
	regs []*registration
}

type registration struct {
	server Stopper
	settings
	ch   chan os.Signal
	quit chan struct{}
	done chan struct{}
}

// New builds a binder with the default signal set {SIGINT, SIGTERM,
// SIGQUIT}, a 60 second forced-exit budget and os.Exit.
func New(log *logging.Logger, opts ...Option) *Binder {
	if log == nil {
		log = logging.New(nil)
	}
	b := &Binder{
		log:      log.Child(logging.Context{Module: "TERMINUS"}),
		notifier: &Notifier{},
		defaults: settings{
			signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT},
			grace:   DefaultGrace,
			exit:    os.Exit,
			getenv:  os.Getenv,
		},
	}
	for _, opt := range opts {
		opt(&b.defaults)
	}
	return b
}

// Notifier exposes the before-exit hook registry, for rebinding hooks held
// by a foreign notifier.
func (b *Binder) Notifier() *Notifier { return b.notifier }

// OnBeforeExit appends a process-wide before-exit hook.
func (b *Binder) OnBeforeExit(fn Hook) { b.notifier.OnBeforeExit(fn) }

// Register arms the signal set for s. Every registered server observes the
// signal independently through its own channel.
func (b *Binder) Register(s Stopper, opts ...Option) {
	if s == nil {
		return
	}
	reg := &registration{
		server:   s,
		settings: b.defaults,
		ch:       make(chan os.Signal, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&reg.settings)
	}
	signal.Notify(reg.ch, reg.signals...)

	b.mu.Lock()
	b.regs = append(b.regs, reg)
	b.mu.Unlock()

	go b.watch(reg)
	b.log.Info("register", fmt.Sprintf("server %s armed for %v", s.ID(), reg.signals), nil)
}

// Close disarms every registration. Watches that have not seen a signal
// exit without handling one.
func (b *Binder) Close() {
	b.mu.Lock()
	regs := b.regs
	b.regs = nil
	b.mu.Unlock()
	for _, reg := range regs {
		close(reg.quit)
		<-reg.done
	}
}

func (b *Binder) watch(reg *registration) {
	defer close(reg.done)
	select {
	case sig := <-reg.ch:
		// A second signal after this one is left to the default handler.
		signal.Stop(reg.ch)
		b.handle(reg, sig)
	case <-reg.quit:
		signal.Stop(reg.ch)
	}
}

// handle is the signal path: mark the server killed, run the before-exit
// hooks once, then either exit immediately (development) or race the stop
// against the forced-exit budget.
func (b *Binder) handle(reg *registration, sig os.Signal) {
	log := b.log.Child(logging.Context{ServerID: reg.server.ID()})
	log.Warn("signal", fmt.Sprintf("received %s", sig), nil)

	reg.server.NotifyKilled()
	b.drainOnce.Do(func() { b.notifier.drain(b.log) })

	if !Production(reg.getenv) {
		log.Info("exit", "development environment, exiting immediately", nil)
		reg.exit(0)
		return
	}

	timer := time.AfterFunc(reg.grace, func() {
		log.Error("forced_exit", fmt.Sprintf("shutdown still running after %s", reg.grace), nil)
		reg.exit(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), reg.grace)
	defer cancel()
	if err := reg.server.Stop(ctx); err != nil {
		log.Error("server_error", "stop reported an error", err)
	}
	if timer.Stop() {
		log.Info("exit", "shutdown complete", nil)
		reg.exit(0)
	}
}

// Production reports whether the environment names a non-development
// deployment. APP_ENV wins over NODE_ENV; empty and "development" both
// mean development.
func Production(getenv func(string) string) bool {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := getenv("APP_ENV")
	if env == "" {
		env = getenv("NODE_ENV")
	}
	return env != "" && !strings.EqualFold(env, "development")
}
