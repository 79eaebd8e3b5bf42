package metrics

import "sync"

// DefaultHistorySize bounds the metrics ring when no size is configured.
const DefaultHistorySize = 60

// History is a fixed-size ring of snapshots, oldest evicted first.
type History struct {
	mu    sync.Mutex
	buf   []Snapshot
	next  int
	count int
}

// NewHistory builds a ring holding up to capacity snapshots. Non-positive
// capacities fall back to DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Snapshot, capacity)}
}

// Add appends a snapshot, evicting the oldest when full.
func (h *History) Add(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Snapshots returns the retained samples, oldest first.
func (h *History) Snapshots() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Snapshot, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// Last returns the most recent sample, if any.
func (h *History) Last() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return Snapshot{}, false
	}
	idx := h.next - 1
	if idx < 0 {
		idx += len(h.buf)
	}
	return h.buf[idx], true
}

// Len reports how many samples are retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
