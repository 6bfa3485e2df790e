package testutils

import (
	"sync"
	"time"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/events"
)

// EventRecorder is an events.Subscriber that keeps everything it receives
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

// NewEventRecorder creates an empty recorder
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// HandleEvent implements events.Subscriber
func (r *EventRecorder) HandleEvent(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded, in arrival order
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of recorded events, in arrival order
func (r *EventRecorder) Kinds() []events.Kind {
	evs := r.Events()
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

// Filter returns recorded events of the given kind for addr. A zero addr matches any address.
func (r *EventRecorder) Filter(kind events.Kind, addr device.Address) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.Kind == kind && (addr.IsZero() || e.Address == addr) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of the given kind were recorded for addr
func (r *EventRecorder) Count(kind events.Kind, addr device.Address) int {
	return len(r.Filter(kind, addr))
}

// WaitFor polls until an event of the given kind for addr was recorded and returns the first one.
func (r *EventRecorder) WaitFor(kind events.Kind, addr device.Address, timeout time.Duration) (events.Event, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if evs := r.Filter(kind, addr); len(evs) > 0 {
			return evs[0], true
		}
		if time.Now().After(deadline) {
			return events.Event{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Reset forgets everything recorded so far
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
