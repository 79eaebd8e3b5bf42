package server

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/koatty/serve/internal/config"
)

// rebindMaxElapsed bounds how long a restart keeps retrying the re-bind
// before giving up.
const rebindMaxElapsed = 5 * time.Second

// ApplyConfig validates the proposed snapshot, classifies it against the
// active one, and applies it: a no-op returns immediately, runtime-safe
// fields reach the live server in place, and anything else goes through a
// graceful stop and re-bind. Invalid snapshots are rejected whole and the
// server keeps running on its current configuration.
func (s *Base) ApplyConfig(ctx context.Context, next *config.ListeningOptions) error {
	if next == nil {
		return fmt.Errorf("server %s: nil options", s.id)
	}
	next = next.Clone()
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		s.log.Warn("config", "rejected invalid configuration: "+err.Error(), nil)
		return fmt.Errorf("server %s: rejected config: %w", s.id, err)
	}

	change := config.Classify(s.opts.Load(), next)
	switch change.Class {
	case config.ChangeNone:
		s.log.Debug("config", "no effective configuration change", nil)
		return nil
	case config.ChangeRuntime:
		return s.applyRuntime(next, change)
	default:
		return s.restart(ctx, next, change)
	}
}

func (s *Base) applyRuntime(next *config.ListeningOptions, change config.Change) error {
	if err := s.adapter.ApplyRuntime(next); err != nil {
		return fmt.Errorf("server %s: runtime apply: %w", s.id, err)
	}
	if !s.adapter.Pool().UpdateConfig(next.ConnectionPool) {
		return fmt.Errorf("server %s: pool rejected new configuration", s.id)
	}
	s.opts.Store(next)
	s.reRegisterPoolTasks()
	s.log.Info("config", "configuration applied at runtime", map[string]any{
		"fields": change.RuntimeFields,
	})
	return nil
}

// restart gracefully stops the server, swaps the snapshot, and re-binds
// with exponential backoff. A Stop issued by anyone else while the restart
// is in flight supersedes it: the server is left stopped. The generation
// counter is read before our own stop; only external Stops move it.
func (s *Base) restart(ctx context.Context, next *config.ListeningOptions, change config.Change) error {
	reasons := make([]string, len(change.Reasons))
	for i, r := range change.Reasons {
		reasons[i] = string(r)
	}
	s.log.Info("config", "configuration change requires restart", map[string]any{
		"reasons": reasons,
	})

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if err := s.stop(ctx); err != nil {
		return fmt.Errorf("server %s: restart stop: %w", s.id, err)
	}
	s.opts.Store(next)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = rebindMaxElapsed
	b.Reset()

	for {
		s.mu.Lock()
		superseded := s.gen != gen
		s.mu.Unlock()
		if superseded {
			s.log.Warn("config", "restart superseded by shutdown", nil)
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("server %s: restart: %w", s.id, ctx.Err())
		}

		err := s.Start(ctx)
		if err == nil {
			s.log.Info("config", "server restarted on new configuration", map[string]any{
				"addr": s.opts.Load().Addr(),
			})
			return nil
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("server %s: re-bind retries exhausted: %w", s.id, err)
		}
		s.log.Warn("config", fmt.Sprintf("re-bind failed, retrying in %s: %s", wait.Round(time.Millisecond), err), nil)

		select {
		case <-ctx.Done():
			return fmt.Errorf("server %s: restart: %w", s.id, ctx.Err())
		case <-time.After(wait):
		}
	}
}
