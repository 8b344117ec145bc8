// Package events provides a small channel-based pub/sub primitive used to
// fan decoded records, encoder frames and control commands out to the
// parts of the application that react to them.
package events

import (
	"sync"
)

type listener[T any] struct {
	id uint64
	ch chan<- T
}

// ChannelEvent fans values out to registered channels. Listeners are
// notified in registration order and sends never block: a listener whose
// channel is full misses that value.
type ChannelEvent[T any] struct {
	mu        sync.Mutex
	listeners []listener[T]
	nextID    uint64

	// replayLast controls whether the most recent value is delivered to
	// listeners that register after it was published.
	replayLast bool
	lastValue  T
	hasLast    bool
}

// NewChannelEvent creates an event with no listeners. When replayLast is
// true, a listener registering after the first Notify immediately
// receives the most recent value.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{replayLast: replayLast}
}

// Listen registers ch to receive every subsequent value. It returns the
// function that unregisters ch; calling it more than once is harmless.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("ChannelEvent: channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, listener[T]{id: id, ch: ch})
	replay := e.replayLast && e.hasLast
	last := e.lastValue
	e.mu.Unlock()

	// Replay happens outside the lock so a receiver that calls back into
	// the event cannot deadlock.
	if replay {
		select {
		case ch <- last:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}
}

// Notify delivers value to every registered listener without blocking.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.lastValue = value
		e.hasLast = true
	}
	targets := make([]chan<- T, len(e.listeners))
	for i, l := range e.listeners {
		targets[i] = l.ch
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
