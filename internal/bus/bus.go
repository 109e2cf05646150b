// Package bus carries the persistence lifecycle events listed in topics.go
// between the engine and its observers: saves, checkpoint activity, crash
// recovery, conflicts, shutdown. Delivery is best-effort; a consumer that
// falls behind misses events rather than stalling a save.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event pairs a topic with its typed payload from topics.go.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is one consumer's handle; its channel stays open until
// Unsubscribe.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans lifecycle events out to subscribers by topic prefix. One Bus
// lives for the lifetime of an Engine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New returns an empty bus with no subscribers.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe registers a consumer for every topic carrying the given prefix
// ("checkpoint." matches the whole checkpoint family; "" matches
// everything). The channel buffers defaultBufferSize events; beyond that,
// deliveries to this consumer are dropped.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every subscription whose prefix matches.
// Sends never block: a full subscriber buffer drops the event for that
// subscriber only.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Slow consumer; drop rather than stall the operation.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
