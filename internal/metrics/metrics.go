// Package metrics defines the health and performance snapshot types shared
// by the connection pools, the server base, and the monitoring API.
package metrics

import (
	"encoding/json"
	"time"
)

// HealthState grades a component from best to worst.
type HealthState string

const (
	Healthy    HealthState = "healthy"
	Degraded   HealthState = "degraded"
	Overloaded HealthState = "overloaded"
	Unhealthy  HealthState = "unhealthy"
)

// severity orders states for Worst. Unknown states rank above Unhealthy so
// a malformed input can never mask a real failure.
var severity = map[HealthState]int{
	Healthy:    0,
	Degraded:   1,
	Overloaded: 2,
	Unhealthy:  3,
}

// Worst returns the most severe of the given states. No input means Healthy.
func Worst(states ...HealthState) HealthState {
	worst := Healthy
	rank := severity[worst]
	for _, s := range states {
		r, ok := severity[s]
		if !ok {
			return Unhealthy
		}
		if r > rank {
			worst, rank = s, r
		}
	}
	return worst
}

// ForUtilization grades a capacity ratio in [0,1]: above 0.95 the component
// is overloaded, above 0.8 degraded, otherwise healthy.
func ForUtilization(ratio float64) HealthState {
	switch {
	case ratio > 0.95:
		return Overloaded
	case ratio > 0.8:
		return Degraded
	default:
		return Healthy
	}
}

// ErrorRate is errors over requests with a floor of one request, clamped to
// [0,1].
func ErrorRate(errors, requests int64) float64 {
	if requests < 1 {
		requests = 1
	}
	rate := float64(errors) / float64(requests)
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

// Check is one constituent of a health report.
type Check struct {
	State   HealthState `json:"status"`
	Message string      `json:"message,omitempty"`
}

// Report aggregates named checks into an overall state via Worst.
type Report struct {
	Status    HealthState      `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// NewReport derives the overall status from the given checks.
func NewReport(checks map[string]Check) Report {
	states := make([]HealthState, 0, len(checks))
	for _, c := range checks {
		states = append(states, c.State)
	}
	return Report{
		Status:    Worst(states...),
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// ConnectionStats summarizes a pool's connection counters.
type ConnectionStats struct {
	Active         int64   `json:"active"`
	Total          int64   `json:"total"`
	PerSecond      float64 `json:"perSecond"`
	AverageLatency float64 `json:"averageLatency"` // milliseconds
	ErrorRate      float64 `json:"errorRate"`
}

// RequestStats summarizes request outcomes observed by an adapter.
type RequestStats struct {
	Total               int64   `json:"total"`
	Successful          int64   `json:"successful"`
	Failed              int64   `json:"failed"`
	AverageResponseTime float64 `json:"averageResponseTime"` // milliseconds
}

// Snapshot is one server's performance sample at a point in time.
type Snapshot struct {
	ServerID    string          `json:"serverId"`
	Protocol    string          `json:"protocol"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      float64         `json:"uptime"` // seconds
	MemoryUsage uint64          `json:"memoryUsage"`
	CPUUsage    float64         `json:"cpuUsage"`
	Connections ConnectionStats `json:"connections"`
	Requests    RequestStats    `json:"requests"`
	Custom      map[string]any  `json:"custom,omitempty"`
}

// JSON renders the snapshot for the monitoring API and the history log.
func (s Snapshot) JSON() ([]byte, error) {
	return json.Marshal(s)
}
