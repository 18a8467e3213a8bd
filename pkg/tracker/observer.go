package tracker

import (
	"context"
	"time"
)

// EventType names a state machine event
type EventType string

const (
	EventFailureRecorded EventType = "failure_recorded"
	EventPromoted        EventType = "promoted"
	EventFailureIgnored  EventType = "failure_ignored"
	EventBlockChecked    EventType = "block_checked"
	EventRehabilitated   EventType = "rehabilitated"
	EventBackendError    EventType = "backend_error"
)

// Event is emitted after every tracker operation that reached the store.
type Event struct {
	Type       EventType
	Op         string
	Identifier string // encoded form
	Count      int64
	Blocked    bool
	Duration   time.Duration
	Err        error
}

// Observer receives tracker events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, e Event)

// Observe calls f
func (f ObserverFunc) Observe(ctx context.Context, e Event) {
	f(ctx, e)
}

// Observers fans an event out to several observers
type Observers []Observer

// Observe forwards e to every observer in order
func (o Observers) Observe(ctx context.Context, e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, Event) {}
