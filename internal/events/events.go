package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Platform signals shared by the interceptor and page runtimes.
const (
	ConnectivityRestored    = "connectivity_restored"
	ConnectivityLost        = "connectivity_lost"
	ControllerChanged       = "controller_changed"
	UpdateAvailable         = "update_available"
	BackgroundSyncRequested = "background_sync_requested"
	ChangeQueued            = "change_queued"
)

// SyncTag is the registration tag used for background sync requests.
const SyncTag = "sync-pending-changes"

// ChangeQueuedPayload describes a freshly captured mutation.
type ChangeQueuedPayload struct {
	ID     int64  `json:"id"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Source string `json:"source"`
}

// BackgroundSyncPayload is carried by BackgroundSyncRequested.
type BackgroundSyncPayload struct {
	Tag string `json:"tag"`
}

// ControllerPayload describes an interceptor version taking or offering control.
type ControllerPayload struct {
	Version string `json:"version"`
}

// Event represents a lightweight platform signal.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for platform signals.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type and returns a function removing it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// HasSubscribers reports whether anyone listens for eventType.
func (b *EventBus) HasSubscribers(eventType string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType]) > 0
}

// Publish notifies subscribers of the event type and returns how many were notified.
func (b *EventBus) Publish(event *Event) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range subs {
		// Handlers run synchronously; caller decides concurrency model.
		_ = s.handler(event)
	}
	return len(subs)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}
