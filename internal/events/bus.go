// Package events is the in-process observation bus. The pool allocator emits
// an Event on every execution edge and busy-flag transition; any number of
// subscribers (the dashboard WebSocket, tests) receive them in real time.
package events

import (
	"sync"
)

// Event is a plain map payload with a "type" key. Payloads are snapshots by
// value — an Event must never hold a live reference into the pool.
type Event map[string]interface{}

// Type returns the event's "type" field, or "" if absent.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Bus fans events out to subscriber channels. Delivery is best-effort: a
// subscriber whose buffer is full misses the event rather than blocking the
// producer.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan Event
	bufferSize int
}

// NewBus creates an event bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{bufferSize: 100}
}

// Subscribe creates a channel that receives every published event.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == len(b.subs) {
		return // not subscribed; don't close a foreign channel
	}
	b.subs = filtered
	close(ch)
}

// Publish sends an event to all subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
