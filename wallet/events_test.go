package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventManagerSubscribe(t *testing.T) {
	manager := NewEventManager()
	ctx := context.Background()

	events, cancel := manager.Subscribe()
	defer cancel()

	manager.Notify(ctx, Event{Type: EventTransferCompleted, TransferID: "t1"})

	select {
	case event := <-events:
		assert.Equal(t, EventTransferCompleted, event.Type)
		assert.Equal(t, "t1", event.TransferID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventManagerListener(t *testing.T) {
	manager := NewEventManager()
	ctx := context.Background()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})
	id := manager.AddListener(ctx, EventListenerFunc(func(event Event) {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		close(done)
	}))

	manager.Notify(ctx, Event{Type: EventLeafReceived, LeafID: "leaf1"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener never invoked")
	}
	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "leaf1", received[0].LeafID)
	mu.Unlock()

	manager.RemoveListener(ctx, id)
	manager.Notify(ctx, Event{Type: EventLeafReceived, LeafID: "leaf2"})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, received, 1)
	mu.Unlock()
}

func TestEventManagerDropsWhenSubscriberFull(t *testing.T) {
	manager := NewEventManager()
	ctx := context.Background()

	events, cancel := manager.Subscribe()
	defer cancel()

	// Overfill the buffer; Notify must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBufferSize+10; i++ {
			manager.Notify(ctx, Event{Type: EventSynced})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a full subscriber")
	}
	assert.Len(t, events, eventBufferSize)
}

func TestEventManagerPause(t *testing.T) {
	manager := NewEventManager()
	ctx := context.Background()

	events, cancel := manager.Subscribe()
	defer cancel()

	manager.PauseNotifications(ctx)
	manager.Notify(ctx, Event{Type: EventSynced})
	assert.Empty(t, events)

	manager.ResumeNotifications(ctx)
	manager.Notify(ctx, Event{Type: EventSynced})
	assert.Len(t, events, 1)
}

func TestEventManagerCancelTwice(t *testing.T) {
	manager := NewEventManager()
	_, cancel := manager.Subscribe()
	cancel()
	cancel()
}
