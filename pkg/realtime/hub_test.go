package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndEmit(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("plugins")
	defer unsubscribe()

	h.EmitToRoom("plugins", "plugin:loaded", map[string]string{"id": "hello"})

	select {
	case ev := <-ch:
		assert.Equal(t, "plugins", ev.Room)
		assert.Equal(t, "plugin:loaded", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("other")
	defer unsubscribe()

	h.EmitToRoom("plugins", "plugin:loaded", nil)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("plugins")
	require.Equal(t, 1, h.SubscriberCount("plugins"))

	unsubscribe()
	unsubscribe() // idempotent
	assert.Equal(t, 0, h.SubscriberCount("plugins"))

	_, open := <-ch
	assert.False(t, open)

	// Emitting into an empty room is a no-op.
	h.EmitToRoom("plugins", "plugin:loaded", nil)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	_, unsubscribe := h.Subscribe("plugins")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			h.EmitToRoom("plugins", "tick", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
