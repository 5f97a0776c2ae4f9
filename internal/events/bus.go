// Package events implements the local control-plane publish/subscribe bus.
// Publishing never blocks the producer: each subscriber owns a buffered
// queue drained by its own goroutine, and events that would overflow a slow
// subscriber are dropped with a log line rather than stalling the publisher.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is a single control-plane notification. Names are exact strings;
// the bus does not support wildcards.
type Event struct {
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes events on the subscriber's own goroutine.
type Handler func(Event)

const subscriberQueueSize = 256

type subscriber struct {
	name    string // event name filter, "" means all events
	ch      chan Event
	done    chan struct{}
	handler Handler
}

// Bus is the in-process event bus. The zero value is not usable; construct
// with NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a handler for events with the given name. An empty
// name subscribes to every event. The returned function cancels the
// subscription and waits for the drain goroutine to stop.
func (b *Bus) Subscribe(name string, h Handler) (cancel func()) {
	sub := &subscriber{
		name:    name,
		ch:      make(chan Event, subscriberQueueSize),
		done:    make(chan struct{}),
		handler: h,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			sub.handler(ev)
		}
	}()

	return func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if ok {
			close(s.ch)
			<-s.done
		}
	}
}

// Publish delivers the event to every matching subscriber without blocking.
// When a subscriber's queue is full the event is dropped for that subscriber.
func (b *Bus) Publish(name string, payload map[string]any) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.name != "" && sub.name != name {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("event", name).Msg("event bus subscriber queue full, dropping event")
		}
	}
}

// Close stops all subscribers. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
		<-s.done
	}
}
