// Package events provides a small topic-based publish/subscribe bus used to
// decouple the hub's connection registry from its fan-out paths.
package events

import (
	"sync"
)

// Event is a published item with its topic.
type Event struct {
	Topic string
	Data  any
}

// Handler receives published events.
type Handler func(Event)

// Subscription identifies an active handler so it can be cancelled.
type Subscription struct {
	topic string
	id    int
	bus   *Bus
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.topic]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus = nil
}

// Bus routes events from publishers to topic subscribers. Delivery is
// synchronous: Publish calls each handler on the publisher's goroutine, in
// subscription order, so a handler that writes to a websocket is naturally
// serialized with respect to a single publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = h
	return &Subscription{topic: topic, id: id, bus: b}
}

// Publish delivers the event to every current subscriber of its topic.
// Publishing to a topic with no subscribers is a no-op.
func (b *Bus) Publish(topic string, data any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	ids := make([]int, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	// Stable order keeps fan-out deterministic for tests.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for _, id := range ids {
		handlers = append(handlers, b.subs[topic][id])
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Data: data}
	for _, h := range handlers {
		h(ev)
	}
}

// SubscriberCount reports how many handlers a topic currently has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
