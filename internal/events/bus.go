package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Bus fans fleet events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event rather than stalling the
// daemon.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]string
	closed      atomic.Bool
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]string),
	}
}

// Subscribe registers a buffered subscription channel
func (b *Bus) Subscribe(name string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, 100)
	b.subscribers[ch] = name
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, ch)
}

// Publish delivers an event to every subscriber with room in its buffer
func (b *Bus) Publish(event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Slow consumer; drop rather than block the publisher.
		}
	}
	return nil
}

// Close shuts the bus down and closes every subscription channel
func (b *Bus) Close() {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
