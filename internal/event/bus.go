// Package event provides a typed publish/subscribe bus with unsubscribe
// tokens, used to multiplex inbound channel events by event type.
package event

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Handler consumes the raw JSON body of one inbound event.
type Handler func(data json.RawMessage)

// Subscription identifies one registration on a Bus. Tokens are unique per
// call to Subscribe, so registering the same function twice yields two
// independent subscriptions and cancelling one leaves the other in place.
type Subscription struct {
	eventType string
	id        string
}

// EventType returns the event type this subscription was registered for.
func (s Subscription) EventType() string { return s.eventType }

// Bus dispatches events to handlers keyed by event type.
// All methods are safe for concurrent use. Handlers for one event are
// invoked in registration order, on the caller's goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
}

type entry struct {
	id string
	fn Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]entry)}
}

// Subscribe registers fn for the given event type and returns its token.
//
// Precondition: eventType must be non-empty; fn must not be nil.
func (b *Bus) Subscribe(eventType string, fn Handler) Subscription {
	sub := Subscription{eventType: eventType, id: uuid.NewString()}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], entry{id: sub.id, fn: fn})
	return sub
}

// Unsubscribe removes exactly the registration identified by sub.
// Unknown or already-cancelled tokens are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[sub.eventType]
	for i, e := range entries {
		if e.id == sub.id {
			b.handlers[sub.eventType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.eventType]) == 0 {
		delete(b.handlers, sub.eventType)
	}
}

// Emit dispatches data to every handler registered for eventType.
// Events with no handlers are dropped silently.
func (b *Bus) Emit(eventType string, data json.RawMessage) {
	b.mu.RLock()
	entries := b.handlers[eventType]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	b.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(data)
	}
}

// Reset drops every registration. Used on deliberate transport teardown.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]entry)
}

// HandlerCount returns the number of registrations for eventType.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
