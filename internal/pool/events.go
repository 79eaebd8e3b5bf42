package pool

import (
	"fmt"
	"time"

	"github.com/koatty/serve/internal/config"
)

// EventKind identifies a pool event on the wire and in listener registries.
type EventKind string

const (
	EventConnectionAdded   EventKind = "connection_added"
	EventConnectionRemoved EventKind = "connection_removed"
	EventConnectionTimeout EventKind = "connection_timeout"
	EventConnectionError   EventKind = "connection_error"
	EventPoolLimitReached  EventKind = "pool_limit_reached"
	EventHealthChanged     EventKind = "health_status_changed"
)

// Event is delivered synchronously to subscribed listeners.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Protocol config.Protocol `json:"protocol"`
	Pool     string          `json:"pool"`
	ConnID   string          `json:"connId,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	At       time.Time       `json:"at"`
	Data     map[string]any  `json:"data,omitempty"`
}

// Listener receives pool events. Listeners run on the emitting goroutine;
// long work belongs elsewhere.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Subscribe registers a listener for one event kind and returns a handle for
// Unsubscribe. Listeners fire in registration order.
func (p *Pool) Subscribe(kind EventKind, fn Listener) int {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.nextListener++
	id := p.nextListener
	p.listeners[kind] = append(p.listeners[kind], listenerEntry{id: id, fn: fn})
	return id
}

// Unsubscribe removes a previously registered listener. It reports whether
// the handle was known.
func (p *Pool) Unsubscribe(kind EventKind, id int) bool {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	entries := p.listeners[kind]
	for i, e := range entries {
		if e.id == id {
			p.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// emit dispatches an event to the kind's listeners in registration order. A
// panicking listener is logged and does not affect its siblings.
func (p *Pool) emit(kind EventKind, connID, reason string, data map[string]any) {
	ev := Event{
		Kind:     kind,
		Protocol: p.protocol,
		Pool:     p.name,
		ConnID:   connID,
		Reason:   reason,
		At:       time.Now(),
		Data:     data,
	}

	p.listenerMu.Lock()
	entries := make([]listenerEntry, len(p.listeners[kind]))
	copy(entries, p.listeners[kind])
	p.listenerMu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("pool_event", fmt.Sprintf("listener for %s panicked: %v", kind, r), nil)
				}
			}()
			e.fn(ev)
		}()
	}
}
