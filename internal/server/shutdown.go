package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/pool"
)

// Stop drains and closes the server in five steps:
//
//  1. Stop accepting: mark the pool draining, close the listener, begin the
//     adapter's native shutdown.
//  2. Drain delay: give in-flight work a head start before polling.
//  3. Poll the pool every 100ms until idle, logging progress every 5s. A
//     reserve is kept back so step 4 always has room inside the budget.
//  4. Force-close the stragglers through the pool, then kill the native
//     server.
//  5. Deregister the server's periodic tasks and log the final counters.
//
// A context without a deadline gets the 30s default budget. A Stop that
// lands while another is in flight waits on the first one and returns its
// outcome. Every external Stop also bumps the shutdown generation, which a
// pending restart checks so it never resurrects a server somebody asked to
// stop.
func (s *Base) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
	return s.stop(ctx)
}

func (s *Base) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusCreated || s.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	if st := s.stopping; st != nil {
		s.mu.Unlock()
		s.log.Warn("shutdown", "shutdown already in progress, awaiting its result", nil)
		select {
		case <-st.done:
			return st.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	st := &stopState{done: make(chan struct{})}
	s.stopping = st
	s.status = StatusDraining
	lis := s.listener
	s.listener = nil
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultStopTimeout)
		defer cancel()
	}

	st.err = s.shutdown(ctx, lis)

	s.mu.Lock()
	s.status = StatusStopped
	s.stopping = nil
	s.mu.Unlock()
	close(st.done)
	return st.err
}

func (s *Base) shutdown(ctx context.Context, lis net.Listener) error {
	p := s.adapter.Pool()
	opts := s.opts.Load()
	start := time.Now()

	s.log.ServerEvent(logging.ServerStopping, s.id, "graceful shutdown started", map[string]any{
		"activeConnections": p.Active(),
	})

	// Step 1: stop accepting.
	p.SetDraining(true)
	if lis != nil {
		if err := lis.Close(); err != nil {
			s.log.Warn("shutdown", "listener close: "+err.Error(), nil)
		}
	}
	s.adapter.StopAccepting()

	// Step 2: drain delay.
	sleepCtx(ctx, opts.ExtDuration("drainDelay", DefaultDrainDelay))

	// Step 3: wait for in-flight connections.
	drained := s.awaitIdle(ctx, p)

	// Step 4: force-close the rest.
	var forced int
	if !drained {
		forced = p.Active()
		s.log.Warn("shutdown", fmt.Sprintf("drain budget exhausted, forcing %d connections closed", forced), nil)
		p.CloseAll(closeBudget(ctx))
	}
	s.adapter.ForceShutdown()

	// Step 5: release scheduled work and report.
	s.deregisterTasks()

	m := p.Metrics()
	s.log.ServerEvent(logging.ServerStopped, s.id, fmt.Sprintf("shutdown complete in %s", time.Since(start).Round(time.Millisecond)), map[string]any{
		"forcedClosures":   forced,
		"totalConnections": m.Total,
		"rejected":         m.Rejected,
		"errors":           m.Errors,
	})
	return nil
}

// awaitIdle polls the pool until it is empty or the budget minus the
// force-close reserve runs out. It reports whether the pool drained.
func (s *Base) awaitIdle(ctx context.Context, p *pool.Pool) bool {
	var pollDeadline time.Time
	if deadline, ok := ctx.Deadline(); ok {
		pollDeadline = deadline.Add(-forceCloseBudget)
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	lastProgress := time.Now()

	for {
		active := p.Active()
		if active == 0 {
			return true
		}
		if !pollDeadline.IsZero() && !time.Now().Before(pollDeadline) {
			return false
		}
		if time.Since(lastProgress) >= drainProgressEvery {
			s.log.Info("shutdown", fmt.Sprintf("waiting for %d active connections", active), nil)
			lastProgress = time.Now()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return p.Active() == 0
		}
	}
}

// closeBudget caps the force-close window at whatever remains of the
// caller's budget, with a floor of one poll interval.
func closeBudget(ctx context.Context) time.Duration {
	budget := forceCloseBudget
	if deadline, ok := ctx.Deadline(); ok {
		if rem := time.Until(deadline); rem < budget {
			budget = rem
		}
	}
	if budget < drainPollInterval {
		budget = drainPollInterval
	}
	return budget
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
