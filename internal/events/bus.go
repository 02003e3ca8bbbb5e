// Package events provides the mission progress notifier: a channel-based pub-sub
// bus keyed by mission ID.
package events

import (
	"sync"
)

// DefaultBufferSize is used when a subscriber asks for a non-positive buffer.
const DefaultBufferSize = 256

// Subscription is one subscriber's event channel.
type Subscription struct {
	C <-chan Event

	bus   *EventBus
	id    int
	topic string // empty for SubscribeAll
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.topic, s.id)
}

// EventBus is a channel-based pub-sub event bus.
// Topics are mission IDs; SubscribeAll receives every topic.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Event // topic -> subscriber channels
	allSubs map[int]chan Event            // channels subscribed to all topics
	nextID  int
	closed  bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string]map[int]chan Event),
		allSubs: make(map[int]chan Event),
	}
}

// Subscribe creates a subscription to a specific topic.
// Only events published after the call are delivered.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) *Subscription {
	return b.add(topic, bufSize)
}

// SubscribeAll creates a subscription to ALL topics.
func (b *EventBus) SubscribeAll(bufSize int) *Subscription {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{C: ch, bus: b, id: b.nextID, topic: topic}

	if b.closed {
		close(ch)
		return sub
	}

	if topic == "" {
		b.allSubs[sub.id] = ch
		return sub
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	b.subs[topic][sub.id] = ch
	return sub
}

func (b *EventBus) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topic == "" {
		if ch, ok := b.allSubs[id]; ok {
			delete(b.allSubs, id)
			close(ch)
		}
		return
	}

	if ch, ok := b.subs[topic][id]; ok {
		delete(b.subs[topic], id)
		close(ch)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Publish sends an event to all subscribers of the event's mission.
// Non-blocking: if a subscriber's channel is full, the event is dropped for that subscriber.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[event.MissionID] {
		select {
		case ch <- event:
		default:
			// Channel full, drop event
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of subscriptions on topic.
func (b *EventBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for topic, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
		delete(b.subs, topic)
	}

	for id, ch := range b.allSubs {
		close(ch)
		delete(b.allSubs, id)
	}
}
