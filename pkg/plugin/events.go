package plugin

import (
	"context"
	"sync"
	"time"
)

// EventType discriminates the plugin observability stream.
type EventType string

const (
	EventLoaded                      EventType = "loaded"
	EventUnloaded                    EventType = "unloaded"
	EventExecuted                    EventType = "executed"
	EventError                       EventType = "error"
	EventSignatureVerified           EventType = "signature_verified"
	EventSignatureVerificationFailed EventType = "signature_verification_failed"
	EventPermissionGranted           EventType = "permission_granted"
	EventPermissionDenied            EventType = "permission_denied"
)

// Event is one entry in the append-only observability stream. Only the
// fields relevant to the Type are set.
type Event struct {
	Type       EventType     `json:"type"`
	Plugin     ID            `json:"plugin"`
	Capability Capability    `json:"capability,omitempty"`
	KeyID      string        `json:"key_id,omitempty"`
	Function   string        `json:"function,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Time       time.Time     `json:"time"`
}

// EventHandler observes the plugin event stream. Handler errors and
// panics are contained by the bus: they never affect plugin execution.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Bus fans plugin events out to registered handlers, synchronously and
// in subscription order. Delivery is best-effort: no retention beyond
// the call.
type Bus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every handler. A failing or panicking handler
// is skipped; the event flow and the publishing operation proceed.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(ctx, h, ev)
	}
}

func deliver(ctx context.Context, h EventHandler, ev Event) {
	defer func() {
		// A handler panic must not take down the load/execute path.
		_ = recover()
	}()
	_ = h.HandleEvent(ctx, ev)
}
