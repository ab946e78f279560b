package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Publish(Event{"type": "execution_start", "execution_id": "abc123"})

	select {
	case ev := <-ch:
		assert.Equal(t, "execution_start", ev.Type())
		assert.Equal(t, "abc123", ev["execution_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(Event{"type": "pool_status"})
	require.Equal(t, "pool_status", (<-a).Type())
	require.Equal(t, "pool_status", (<-b).Type())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel is closed after unsubscribe
	_, ok := <-ch
	assert.False(t, ok)

	// Double unsubscribe is harmless
	bus.Unsubscribe(ch)
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			bus.Publish(Event{"type": "stats", "i": i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
