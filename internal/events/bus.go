package events

import (
	"log"
	"sync"
)

// Bus fans events out to subscribers. Each subscriber has its own queue and
// goroutine, so a slow consumer drops its own events instead of stalling the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	name  string
	queue chan Event
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler; handlers run on their own goroutine
func (b *Bus) Subscribe(name string, buffer int, handler func(Event)) {
	sub := &subscription{name: name, queue: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range sub.queue {
			handler(e)
		}
	}()
}

// Publish hands the event to every subscriber queue without blocking
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.queue <- e:
		default:
			log.Printf("Event queue for %s full, dropping %s event", sub.name, e.EventKind())
		}
	}
}

// Close stops accepting events and waits for queued ones to be handled
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
