// Package eventstest captures published events synchronously.
package eventstest

import (
	"context"
	"sync"

	"github.com/contamx/contamx/internal/events"
)

// Recorder is a Publisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish records the events.
func (r *Recorder) Publish(_ context.Context, evts ...events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind events.Kind) []events.Event {
	var out []events.Event
	for _, evt := range r.Events() {
		if evt.Kind() == kind {
			out = append(out, evt)
		}
	}
	return out
}
