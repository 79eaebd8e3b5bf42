package server

import (
	"context"
	"fmt"
	"time"

	"github.com/koatty/serve/internal/metrics"
)

// Health rolls the server's constituents into one report: the listener, the
// pool's capacity grade, process memory against the soft threshold, the TLS
// posture, and whatever checks the adapter contributes. The overall status
// is the worst constituent.
func (s *Base) Health() metrics.Report {
	opts := s.opts.Load()
	checks := make(map[string]metrics.Check)

	if s.Listening() {
		checks["listening"] = metrics.Check{
			State:   metrics.Healthy,
			Message: "accepting connections on " + opts.Addr(),
		}
	} else {
		checks["listening"] = metrics.Check{
			State:   metrics.Unhealthy,
			Message: "not listening, status " + s.Status().String(),
		}
	}

	ph := s.adapter.Pool().Health()
	checks["connections"] = metrics.Check{
		State:   ph.State,
		Message: fmt.Sprintf("%d active, utilization %.2f", ph.Active, ph.Utilization),
	}

	rss := s.sampler.Memory()
	mem := metrics.Check{State: metrics.Healthy, Message: fmt.Sprintf("rss %d MiB", rss>>20)}
	if rss > DefaultMemoryThreshold {
		mem = metrics.Check{
			State:   metrics.Degraded,
			Message: fmt.Sprintf("rss %d MiB exceeds soft threshold %d MiB", rss>>20, DefaultMemoryThreshold>>20),
		}
	}
	checks["memory"] = mem

	if opts.SSL != nil && opts.SSL.Active(opts.Protocol) {
		checks["ssl"] = metrics.Check{
			State:   metrics.Healthy,
			Message: "tls enabled, mode " + string(opts.SSL.Mode),
		}
	} else {
		checks["ssl"] = metrics.Check{State: metrics.Healthy, Message: "tls disabled"}
	}

	for name, check := range s.adapter.HealthChecks() {
		checks[name] = check
	}

	return metrics.NewReport(checks)
}

// Snapshot samples the server's performance counters. Connection-level
// latency is the request-level average, since pooled transports do not time
// individual reads.
func (s *Base) Snapshot() metrics.Snapshot {
	conns := s.adapter.Pool().ConnectionStats()
	reqs := s.adapter.Requests().Stats()
	conns.AverageLatency = reqs.AverageResponseTime

	return metrics.Snapshot{
		ServerID:    s.id,
		Protocol:    string(s.adapter.Protocol()),
		Timestamp:   time.Now(),
		Uptime:      s.Uptime().Seconds(),
		MemoryUsage: s.sampler.Memory(),
		CPUUsage:    s.sampler.CPU(),
		Connections: conns,
		Requests:    reqs,
		Custom:      s.adapter.CustomMetrics(),
	}
}

// History returns the retained performance samples, oldest first.
func (s *Base) History() []metrics.Snapshot { return s.history.Snapshots() }

// Destroy stops the server if it is still running and tears down its pool.
func (s *Base) Destroy(ctx context.Context) error {
	err := s.Stop(ctx)
	s.adapter.Pool().Destroy()
	return err
}
