// Package events implements the EventSink external collaborator from
// spec.md §6: a thin, non-hot-path structured event contract used for
// connect, disconnect, error, reconnect, heartbeat, rateLimit, and
// staleData notifications.
//
// The teacher's internal/orders package logs structured fields through
// zerolog; this package gives that same idiom a dedicated home behind the
// engine's own Sink contract rather than logging ad hoc at every call site.
package events

import "time"

// Event is the concrete shape of the EventSink contract from spec.md §6.
type Event struct {
	Type   string
	Fields map[string]any
	At     time.Time
}

// Sink is the collaborator interface the core consumes; it must never
// block the caller for long, since the core invokes it from hot paths like
// rate-limit stalls and reconnect scheduling.
type Sink interface {
	Emit(Event)
}

// Nop discards every event. Used as the zero-value default so components
// never need a nil check before emitting.
type Nop struct{}

func (Nop) Emit(Event) {}
