package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for status transitions and diagnostics.
// Status events are published from the aggregation loop, diagnostics from the
// pipeline's dispatcher goroutine.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channel chan *StatusEvent
	handler EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for status and diagnostic events
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler EventHandler) func() {
	sub := &eventSubscription{
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives status events
// The channel has the specified buffer size; events are skipped when it is full
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *StatusEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *StatusEvent, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// PublishStatus sends a status transition to all subscribers
func (b *EventBus) PublishStatus(event *StatusEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		// Handlers are called synchronously so transitions arrive in order
		if sub.handler != nil {
			sub.handler.OnStatus(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// PublishDiagnostic sends a diagnostic to handler subscribers. Handlers run on
// the caller's goroutine.
func (b *EventBus) PublishDiagnostic(event *DiagnosticEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler.OnDiagnostic(event)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

// EventHandlerFuncs adapts plain functions to EventHandler. Nil fields are skipped.
type EventHandlerFuncs struct {
	Status     func(*StatusEvent)
	Diagnostic func(*DiagnosticEvent)
}

// OnStatus implements EventHandler
func (f EventHandlerFuncs) OnStatus(event *StatusEvent) {
	if f.Status != nil {
		f.Status(event)
	}
}

// OnDiagnostic implements EventHandler
func (f EventHandlerFuncs) OnDiagnostic(event *DiagnosticEvent) {
	if f.Diagnostic != nil {
		f.Diagnostic(event)
	}
}

// Ensure EventHandlerFuncs implements EventHandler
var _ EventHandler = EventHandlerFuncs{}
