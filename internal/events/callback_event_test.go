package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallbackEvent_NoListeners(t *testing.T) {
	event := NewCallbackEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_NotifyInvokesInOrder(t *testing.T) {
	event := NewCallbackEvent[string](false)

	var calls []string
	event.Listen(func(v string) { calls = append(calls, "first:"+v) })
	event.Listen(func(v string) { calls = append(calls, "second:"+v) })

	event.Notify("frame")

	assert.Equal(t, []string{"first:frame", "second:frame"}, calls)
}

func TestCallbackEvent_UnregisterStopsDelivery(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var got []int
	unregister := event.Listen(func(v int) { got = append(got, v) })

	event.Notify(250)
	unregister()
	event.Notify(185)

	assert.Equal(t, []int{250}, got)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_UnregisterTwiceIsHarmless(t *testing.T) {
	event := NewCallbackEvent[string](false)

	var kept []string
	unregister := event.Listen(func(v string) {})
	keep := event.Listen(func(v string) { kept = append(kept, v) })
	defer keep()

	unregister()
	unregister()

	event.Notify("still-delivered")
	assert.Equal(t, []string{"still-delivered"}, kept)
	assert.Equal(t, 1, event.ListenerCount())
}

func TestCallbackEvent_ReplayLastForLateListener(t *testing.T) {
	event := NewCallbackEvent[string](true)

	event.Notify("stale")
	event.Notify("latest")

	var got []string
	event.Listen(func(v string) { got = append(got, v) })

	assert.Equal(t, []string{"latest"}, got)
}

func TestCallbackEvent_ReplayLastBeforeAnyNotify(t *testing.T) {
	event := NewCallbackEvent[string](true)

	called := false
	event.Listen(func(v string) { called = true })

	assert.False(t, called)
}

func TestCallbackEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewCallbackEvent[string](false)

	event.Notify("missed")

	var got []string
	event.Listen(func(v string) { got = append(got, v) })
	event.Notify("seen")

	assert.Equal(t, []string{"seen"}, got)
}

func TestCallbackEvent_NilCallbackPanics(t *testing.T) {
	event := NewCallbackEvent[string](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestCallbackEvent_UnregisterDuringNotify(t *testing.T) {
	event := NewCallbackEvent[string](false)

	var got []string
	var unregister func()
	unregister = event.Listen(func(v string) {
		got = append(got, v)
		if v == "last" {
			unregister()
		}
	})

	event.Notify("first")
	event.Notify("last")
	event.Notify("after")

	assert.Equal(t, []string{"first", "last"}, got)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_ConcurrentNotify(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var mu sync.Mutex
	counts := make([]int, 10)
	for i := 0; i < 10; i++ {
		idx := i
		defer event.Listen(func(v int) {
			mu.Lock()
			counts[idx]++
			mu.Unlock()
		})()
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			event.Notify(v)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for idx, n := range counts {
		assert.Equal(t, 5, n, "listener %d", idx)
	}
}
