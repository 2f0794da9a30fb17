// Package bus implements the in-process pub/sub backbone. Every run
// lifecycle step, tool invocation, and LLM usage report is published here
// so that transports, metrics, and tests observe the same stream.
package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Event pairs a topic name with its payload.
type Event struct {
	Name    string
	Payload any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block for long.
type Handler func(ctx context.Context, event Event)

// Subscription identifies one registered handler. Go functions are not
// comparable, so Subscribe hands out a token that Unsubscribe consumes.
type Subscription struct {
	topic string
	id    uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus fans events out to handlers keyed by topic. Publish operates on a
// snapshot of the subscriber list, so handlers may subscribe or
// unsubscribe (including themselves) without affecting in-flight
// delivery. A panicking handler is recovered and logged; it never takes
// down the publisher or its sibling handlers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscriber
	nextID uint64
	logger *slog.Logger
}

// New returns an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics: make(map[string][]subscriber),
		logger: logger,
	}
}

// Subscribe registers handler for topic and returns the token that
// removes it. Handlers for a topic are invoked in subscription order.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.topics[topic] = append(b.topics[topic], subscriber{id: b.nextID, handler: handler})
	return Subscription{topic: topic, id: b.nextID}
}

// Unsubscribe removes the handler identified by sub. Unknown or already
// removed tokens are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i := range subs {
		if subs[i].id == sub.id {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish delivers the event to every handler subscribed to name at the
// moment of the call, in subscription order.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	registered := b.topics[name]
	snapshot := make([]subscriber, len(registered))
	copy(snapshot, registered)
	b.mu.RUnlock()

	event := Event{Name: name, Payload: payload}
	for _, sub := range snapshot {
		b.deliver(ctx, sub, event)
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.Name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(ctx, event)
}

// SubscriberCount reports how many handlers are registered for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
