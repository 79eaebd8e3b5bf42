package metrics_test

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/koatty/serve/internal/metrics"
)

// --------------------------------------------------------------------------
// Health grading
// --------------------------------------------------------------------------

func TestForUtilization_Thresholds(t *testing.T) {
	cases := []struct {
		ratio float64
		want  metrics.HealthState
	}{
		{0.0, metrics.Healthy},
		{0.8, metrics.Healthy},
		{0.81, metrics.Degraded},
		{0.95, metrics.Degraded},
		{0.96, metrics.Overloaded},
		{1.0, metrics.Overloaded},
	}
	for _, tc := range cases {
		if got := metrics.ForUtilization(tc.ratio); got != tc.want {
			t.Errorf("ForUtilization(%v) = %s, want %s", tc.ratio, got, tc.want)
		}
	}
}

func TestWorst_Ordering(t *testing.T) {
	cases := []struct {
		states []metrics.HealthState
		want   metrics.HealthState
	}{
		{nil, metrics.Healthy},
		{[]metrics.HealthState{metrics.Healthy, metrics.Healthy}, metrics.Healthy},
		{[]metrics.HealthState{metrics.Healthy, metrics.Degraded}, metrics.Degraded},
		{[]metrics.HealthState{metrics.Degraded, metrics.Overloaded}, metrics.Overloaded},
		{[]metrics.HealthState{metrics.Overloaded, metrics.Unhealthy, metrics.Healthy}, metrics.Unhealthy},
		{[]metrics.HealthState{"bogus"}, metrics.Unhealthy},
	}
	for _, tc := range cases {
		if got := metrics.Worst(tc.states...); got != tc.want {
			t.Errorf("Worst(%v) = %s, want %s", tc.states, got, tc.want)
		}
	}
}

func TestErrorRate(t *testing.T) {
	cases := []struct {
		errors, requests int64
		want             float64
	}{
		{0, 100, 0},
		{5, 100, 0.05},
		{0, 0, 0},
		{3, 0, 1},   // floor of one request, then clamped
		{200, 100, 1},
	}
	for _, tc := range cases {
		if got := metrics.ErrorRate(tc.errors, tc.requests); got != tc.want {
			t.Errorf("ErrorRate(%d, %d) = %v, want %v", tc.errors, tc.requests, got, tc.want)
		}
	}
}

func TestNewReport_WorstOf(t *testing.T) {
	report := metrics.NewReport(map[string]metrics.Check{
		"listening":   {State: metrics.Healthy},
		"connections": {State: metrics.Degraded, Message: "utilization 0.85"},
		"memory":      {State: metrics.Healthy},
	})
	if report.Status != metrics.Degraded {
		t.Errorf("Status = %s, want %s", report.Status, metrics.Degraded)
	}
	if report.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

// --------------------------------------------------------------------------
// Request counters
// --------------------------------------------------------------------------

func TestRequestCounters(t *testing.T) {
	var c metrics.RequestCounters

	c.Observe(10*time.Millisecond, false)
	c.Observe(30*time.Millisecond, true)

	stats := c.Stats()
	if stats.Total != 2 || stats.Successful != 1 || stats.Failed != 1 {
		t.Errorf("totals = %d/%d/%d, want 2/1/1", stats.Total, stats.Successful, stats.Failed)
	}
	if stats.AverageResponseTime != 20 {
		t.Errorf("AverageResponseTime = %v ms, want 20", stats.AverageResponseTime)
	}

	c.Reset()
	if got := c.Stats(); got.Total != 0 || got.AverageResponseTime != 0 {
		t.Errorf("after Reset: %+v, want zeroes", got)
	}
}

func TestRequestCounters_EmptyAverage(t *testing.T) {
	var c metrics.RequestCounters
	if got := c.Stats().AverageResponseTime; got != 0 {
		t.Errorf("AverageResponseTime = %v with no observations, want 0", got)
	}
}

// --------------------------------------------------------------------------
// History ring
// --------------------------------------------------------------------------

func snap(i int) metrics.Snapshot {
	return metrics.Snapshot{ServerID: fmt.Sprintf("s-%d", i), Uptime: float64(i)}
}

func TestHistory_OldestFirst(t *testing.T) {
	h := metrics.NewHistory(3)
	for i := 1; i <= 2; i++ {
		h.Add(snap(i))
	}

	got := h.Snapshots()
	if len(got) != 2 || got[0].ServerID != "s-1" || got[1].ServerID != "s-2" {
		t.Fatalf("Snapshots = %v", ids(got))
	}
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := metrics.NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(snap(i))
	}

	got := h.Snapshots()
	want := []string{"s-3", "s-4", "s-5"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ServerID != want[i] {
			t.Errorf("Snapshots[%d] = %s, want %s", i, got[i].ServerID, want[i])
		}
	}
	if h.Len() != 3 {
		t.Errorf("Len = %d, want 3", h.Len())
	}
}

func TestHistory_Last(t *testing.T) {
	h := metrics.NewHistory(0) // default capacity
	if _, ok := h.Last(); ok {
		t.Error("Last reported a sample on an empty ring")
	}

	h.Add(snap(1))
	h.Add(snap(2))
	last, ok := h.Last()
	if !ok || last.ServerID != "s-2" {
		t.Errorf("Last = %v/%v, want s-2/true", last.ServerID, ok)
	}
}

func ids(snaps []metrics.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ServerID
	}
	return out
}

// --------------------------------------------------------------------------
// Sampler
// --------------------------------------------------------------------------

func TestSampler_NeverPanics(t *testing.T) {
	s := metrics.NewSampler()
	// Values are platform-dependent; the contract is only that probing the
	// live process does not fail loudly.
	_ = s.Memory()
	_ = s.CPU()
}

func TestSnapshot_JSONRoundTrip(t *testing.T) {
	s := metrics.Snapshot{
		ServerID:    "http_1_abc",
		Protocol:    "http",
		Timestamp:   time.Now(),
		Uptime:      12.5,
		MemoryUsage: 1024,
		Connections: metrics.ConnectionStats{Active: 3, Total: 10, ErrorRate: 0.1},
		Requests:    metrics.RequestStats{Total: 10, Successful: 9, Failed: 1},
		Custom:      map[string]any{"activeStreams": 2},
	}
	raw, err := s.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	for _, key := range []string{`"serverId"`, `"connections"`, `"activeStreams"`} {
		if !bytes.Contains(raw, []byte(key)) {
			t.Errorf("JSON output missing %s: %s", key, raw)
		}
	}
}
