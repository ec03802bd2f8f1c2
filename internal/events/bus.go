package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"camf/internal/engine"
)

// Event types published by the engine
const (
	TypeProcessingStarted  = "processing_started"
	TypeProcessingComplete = "processing_complete"
	TypeDetectorFailure    = "detector_failure"
	TypeDetectorRecovered  = "detector_recovered"
	TypeDetectorDisabled   = "detector_disabled"
	TypeBatchProgress      = "batch_progress"
	TypeFrameProcessed     = "frame_processed"
)

// Event is one record on the engine's event stream
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Bus provides pub/sub for engine events. Handlers are called synchronously
// to preserve event ordering; channel subscribers that fall behind have
// events dropped rather than blocking the publisher.
type Bus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

type subscription struct {
	typeFilter string // empty means receive all types
	channel    chan Event
	handler    func(Event)
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*subscription]bool)}
}

// Subscribe registers a handler for all events. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(handler func(Event)) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeType registers a handler for one event type
func (b *Bus) SubscribeType(eventType string, handler func(Event)) func() {
	return b.add(&subscription{typeFilter: eventType, handler: handler})
}

// SubscribeChannel returns a buffered channel of events and an unsubscribe
// function. The channel is closed on unsubscribe.
func (b *Bus) SubscribeChannel(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan Event, bufferSize)
	sub := &subscription{channel: ch}

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

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish delivers an event to every matching subscriber, stamping id and
// timestamp if unset.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.typeFilter != "" && sub.typeFilter != evt.Type {
			continue
		}
		if sub.handler != nil {
			sub.handler(evt)
		} else if sub.channel != nil {
			select {
			case sub.channel <- evt:
			default:
				// Subscriber too slow, drop
			}
		}
	}
}

// PublishType implements engine.EventPublisher
func (b *Bus) PublishType(eventType string, payload map[string]interface{}) {
	b.Publish(Event{Type: eventType, Payload: payload})
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone and closes subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

// Ensure Bus implements the engine's publisher contract
var _ engine.EventPublisher = (*Bus)(nil)
