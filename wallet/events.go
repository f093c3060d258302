package wallet

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lightsparkdev/spark-wallet/common/logging"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// EventType enumerates the lifecycle transitions the engine publishes.
type EventType string

const (
	// EventLeafReceived fires when a claimed inbound leaf becomes available.
	EventLeafReceived EventType = "leaf_received"
	// EventTransferCompleted fires when an outbound transfer completes.
	EventTransferCompleted EventType = "transfer_completed"
	// EventTransferFailed fires when a transfer fails or expires pre-commit.
	EventTransferFailed EventType = "transfer_failed"
	// EventTransferAmbiguous fires when a commit outcome is unknown and the
	// transfer is queued for reconciliation.
	EventTransferAmbiguous EventType = "transfer_ambiguous"
	// EventReconciliationConflict fires when reconciliation finds a mismatch
	// it refuses to resolve automatically.
	EventReconciliationConflict EventType = "reconciliation_conflict"
	// EventNeedsIntervention fires when ambiguous-outcome resolution has
	// exhausted its retry budget.
	EventNeedsIntervention EventType = "needs_intervention"
	// EventSynced fires after a sync pass finishes.
	EventSynced EventType = "synced"
)

// Event is one lifecycle notification.
type Event struct {
	Type       EventType
	TransferID string
	LeafID     string
	Detail     string
	// Leaf is set on leaf-level events.
	Leaf *store.Leaf
}

// EventListener receives events. Callbacks are invoked from a background
// goroutine and must not block.
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc adapts a function to the EventListener interface.
type EventListenerFunc func(event Event)

func (f EventListenerFunc) OnEvent(event Event) { f(event) }

const eventBufferSize = 100

// EventManager fans lifecycle events out to registered listeners and channel
// subscribers. Notifications can be paused, for example during a migration,
// and are dropped while paused.
type EventManager struct {
	mu        sync.RWMutex
	listeners map[string]EventListener
	subs      map[string]chan Event
	isPaused  atomic.Bool
}

// NewEventManager creates an empty event manager.
func NewEventManager() *EventManager {
	return &EventManager{
		listeners: make(map[string]EventListener),
		subs:      make(map[string]chan Event),
	}
}

// AddListener registers a listener and returns its id for removal.
func (m *EventManager) AddListener(ctx context.Context, listener EventListener) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.listeners[id] = listener
	m.mu.Unlock()
	logging.GetLoggerFromContext(ctx).Sugar().Debugf("Added event listener with id %s", id)
	return id
}

// RemoveListener removes a listener by id.
func (m *EventManager) RemoveListener(ctx context.Context, id string) {
	logging.GetLoggerFromContext(ctx).Sugar().Debugf("Removing event listener with id %s", id)
	m.mu.Lock()
	delete(m.listeners, id)
	m.mu.Unlock()
}

// Subscribe returns a channel receiving future events. Slow subscribers drop
// events rather than block the notifier. Cancel unsubscribes.
func (m *EventManager) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, eventBufferSize)
	m.mu.Lock()
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Notify emits an event to all listeners and subscribers. Listener callbacks
// run on a separate goroutine so emitters are never blocked by a listener.
func (m *EventManager) Notify(ctx context.Context, event Event) {
	logger := logging.GetLoggerFromContext(ctx).Sugar()
	if m.isPaused.Load() {
		logger.Debugf("Event notifications are paused, not emitting %s", event.Type)
		return
	}
	logger.Debugf("Emitting event %s for transfer %q leaf %q", event.Type, event.TransferID, event.LeafID)

	m.mu.RLock()
	listeners := make([]EventListener, 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	for _, sub := range m.subs {
		select {
		case sub <- event:
		default:
		}
	}
	m.mu.RUnlock()

	if len(listeners) > 0 {
		go func() {
			for _, listener := range listeners {
				listener.OnEvent(event)
			}
		}()
	}
}

// PauseNotifications stops event delivery until resumed.
func (m *EventManager) PauseNotifications(ctx context.Context) {
	logging.GetLoggerFromContext(ctx).Info("Pausing event notifications")
	m.isPaused.Store(true)
}

// ResumeNotifications re-enables event delivery.
func (m *EventManager) ResumeNotifications(ctx context.Context) {
	logging.GetLoggerFromContext(ctx).Info("Resuming event notifications")
	m.isPaused.Store(false)
}
