package metrics

import (
	"sync/atomic"
	"time"
)

// RequestCounters accumulates request outcomes lock-free. Adapters call
// Observe from their hot path; Stats renders the running totals.
type RequestCounters struct {
	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	latency    atomic.Int64 // nanoseconds, summed
}

// Observe records one completed request.
func (c *RequestCounters) Observe(elapsed time.Duration, failed bool) {
	c.total.Add(1)
	if failed {
		c.failed.Add(1)
	} else {
		c.successful.Add(1)
	}
	c.latency.Add(int64(elapsed))
}

// Stats returns the accumulated totals. Average response time is in
// milliseconds, zero until the first request lands.
func (c *RequestCounters) Stats() RequestStats {
	total := c.total.Load()
	stats := RequestStats{
		Total:      total,
		Successful: c.successful.Load(),
		Failed:     c.failed.Load(),
	}
	if total > 0 {
		stats.AverageResponseTime = float64(c.latency.Load()) / float64(total) / float64(time.Millisecond)
	}
	return stats
}

// Reset zeroes the counters. Used when a server restarts with a new native
// server under the same id.
func (c *RequestCounters) Reset() {
	c.total.Store(0)
	c.successful.Store(0)
	c.failed.Store(0)
	c.latency.Store(0)
}
