// Package monitor runs every periodic maintenance task in the process on a
// single shared ticker. Connection-pool sweeps, metrics sampling and health
// evaluation all register here instead of each spawning their own timer
// goroutine, which keeps the idle-process wakeup rate constant no matter how
// many servers are running.
//
// One ticker (default 5s) evaluates the registry per cycle: tasks whose
// interval has elapsed are grouped by priority; groups run in ascending
// order, tasks inside a group run concurrently, and the next group waits for
// the previous one to finish.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/koatty/serve/internal/logging"
)

// DefaultTick is the scheduler's cycle period.
const DefaultTick = 5 * time.Second

// emaWeight is the smoothing factor for the average-execution-time estimate.
const emaWeight = 0.1

// Task is one periodic unit of work.
type Task struct {
	// Name identifies the task in the registry. Registering the same name
	// twice replaces the earlier task.
	Name string

	// Interval is the minimum time between executions. The effective
	// period is never shorter than the scheduler tick.
	Interval time.Duration

	// Priority orders task groups within a cycle, 1 (first) to 10 (last).
	Priority int

	// Execute performs the work. A panic is recovered and counted as a
	// failure.
	Execute func(ctx context.Context) error

	// OnError, when set, observes each failure. Panics in OnError are
	// recovered and logged.
	OnError func(error)

	// Enabled gates execution without unregistering. NewTask sets it.
	Enabled bool

	// Description is free text for operators.
	Description string
}

// NewTask builds an enabled task with priority 5.
func NewTask(name string, interval time.Duration, execute func(ctx context.Context) error) Task {
	return Task{
		Name:     name,
		Interval: interval,
		Priority: 5,
		Execute:  execute,
		Enabled:  true,
	}
}

// TaskStats tracks one task's execution history.
type TaskStats struct {
	// Executed counts every run, successful or not.
	Executed uint64

	// Successful counts runs whose Execute returned nil.
	Successful uint64

	// Failed counts runs that returned an error or panicked.
	Failed uint64

	// LastExecution is when the most recent run started.
	LastExecution time.Time

	// AvgExecution is an exponential moving average of run duration.
	AvgExecution time.Duration

	// RegisteredAt is when the task entered the registry.
	RegisteredAt time.Time
}

type taskState struct {
	task  Task
	stats TaskStats
}

// Scheduler owns the shared ticker and the task registry.
type Scheduler struct {
	log  *logging.Logger
	tick time.Duration

	mu        sync.Mutex
	tasks     map[string]*taskState
	started   bool
	destroyed bool
	done      chan struct{}
}

// NewScheduler builds a stopped scheduler. A non-positive tick uses
// DefaultTick. Call Start to begin cycling.
func NewScheduler(log *logging.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		log:   log.Child(logging.Context{Module: "monitor"}),
		tick:  tick,
		tasks: make(map[string]*taskState),
		done:  make(chan struct{}),
	}
}

// Start launches the ticker goroutine. Starting twice, or after Destroy, is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.destroyed {
		return
	}
	s.started = true

	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.RunOnce(context.Background())
			}
		}
	}()
}

// Register adds a task, replacing any task with the same name (its stats
// reset).
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("monitor: task name is required")
	}
	if t.Execute == nil {
		return fmt.Errorf("monitor: task %q has no Execute", t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("monitor: task %q interval must be > 0", t.Name)
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("monitor: task %q priority %d must be in 1..10", t.Name, t.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("monitor: scheduler destroyed")
	}
	s.tasks[t.Name] = &taskState{
		task:  t,
		stats: TaskStats{RegisteredAt: time.Now()},
	}
	s.log.Debug("register", fmt.Sprintf("task %s every %s (priority %d)", t.Name, t.Interval, t.Priority), nil)
	return nil
}

// Unregister removes a task. It reports whether the task existed.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return false
	}
	delete(s.tasks, name)
	return true
}

// SetEnabled flips a task's gate without touching its stats. It reports
// whether the task existed.
func (s *Scheduler) SetEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		return false
	}
	st.task.Enabled = enabled
	return true
}

// Stats returns a copy of the named task's stats.
func (s *Scheduler) Stats(name string) (TaskStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		return TaskStats{}, false
	}
	return st.stats, true
}

// TaskNames returns the registered task names, sorted.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunOnce executes a single cycle synchronously: every due task runs,
// grouped by priority, and RunOnce returns after the last group's barrier.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := time.Now()

	// Snapshot due tasks under the lock; execution happens outside it so
	// tasks can re-enter the registry (a pool sweep may remove itself).
	s.mu.Lock()
	groups := make(map[int][]Task)
	for _, st := range s.tasks {
		if !st.task.Enabled {
			continue
		}
		if !st.stats.LastExecution.IsZero() && now.Sub(st.stats.LastExecution) < st.task.Interval {
			continue
		}
		st.stats.LastExecution = now
		groups[st.task.Priority] = append(groups[st.task.Priority], st.task)
	}
	s.mu.Unlock()

	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	for _, p := range priorities {
		var wg sync.WaitGroup
		for _, t := range groups[p] {
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				s.runTask(ctx, t)
			}(t)
		}
		wg.Wait()
	}
}

// runTask executes one task, recovers panics, and records the outcome.
func (s *Scheduler) runTask(ctx context.Context, t Task) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("monitor: task %q panicked: %v", t.Name, r)
			}
		}()
		return t.Execute(ctx)
	}()
	elapsed := time.Since(start)

	s.mu.Lock()
	if st, ok := s.tasks[t.Name]; ok {
		st.stats.Executed++
		if err != nil {
			st.stats.Failed++
		} else {
			st.stats.Successful++
		}
		if st.stats.AvgExecution == 0 {
			st.stats.AvgExecution = elapsed
		} else {
			prev := float64(st.stats.AvgExecution)
			st.stats.AvgExecution = time.Duration(prev*(1-emaWeight) + float64(elapsed)*emaWeight)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("task", fmt.Sprintf("%s failed", t.Name), err)
		if t.OnError != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("task", fmt.Sprintf("%s OnError panicked", t.Name), fmt.Errorf("%v", r))
					}
				}()
				t.OnError(err)
			}()
		}
	}
}

// Destroy stops the ticker and clears the registry. Safe to call more than
// once.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.started {
		close(s.done)
	}
	s.tasks = make(map[string]*taskState)
}
