package events

import (
	"sync"
)

type callbackListener[T any] struct {
	id uint64
	fn func(T)
}

// CallbackEvent is the callback flavor of ChannelEvent: listeners register a
// function instead of a channel and Notify invokes every callback synchronously,
// in registration order, outside the lock. Use it where the listener wants to
// react inline (a websocket hub pushing a frame) rather than drain a channel.
type CallbackEvent[T any] struct {
	mu         sync.Mutex
	listeners  []callbackListener[T]
	nextID     uint64
	replayLast bool
	lastValue  T
	hasLast    bool
}

// NewCallbackEvent creates a CallbackEvent. When replayLast is true a newly
// registered callback is invoked immediately with the most recent value, if
// Notify has run at least once.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{replayLast: replayLast}
}

// Listen registers a callback and returns the matching unregister function.
// Unregistering twice is harmless. Callbacks run on the goroutine that calls
// Notify, so they must not block.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("CallbackEvent: callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, callbackListener[T]{id: id, fn: callback})
	replay := e.replayLast && e.hasLast
	lastValue := e.lastValue
	e.mu.Unlock()

	if replay {
		callback(lastValue)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Notify invokes every registered callback with value, in registration order.
// The callbacks run outside the internal lock, so a callback may register or
// unregister listeners without deadlocking.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.lastValue = value
		e.hasLast = true
	}
	targets := make([]callbackListener[T], len(e.listeners))
	copy(targets, e.listeners)
	e.mu.Unlock()

	for _, l := range targets {
		l.fn(value)
	}
}

// ListenerCount returns the number of registered callbacks.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
