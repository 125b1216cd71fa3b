package events

import (
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(ChangeQueued, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(ChangeQueued, ChangeQueuedPayload{ID: 7, Kind: "UPDATE", Target: "/api/medicamentos/1"})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != ChangeQueued {
		t.Errorf("expected type %s, got %s", ChangeQueued, received.Type)
	}

	var decoded ChangeQueuedPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.ID != 7 || decoded.Target != "/api/medicamentos/1" {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe(ConnectivityRestored, func(_ *Event) error { count1++; return nil })
	bus.Subscribe(ConnectivityRestored, func(_ *Event) error { count2++; return nil })

	if n := bus.Publish(&Event{Type: ConnectivityRestored}); n != 2 {
		t.Errorf("expected 2 notified, got %d", n)
	}

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var calls int

	cancel := bus.Subscribe(ControllerChanged, func(_ *Event) error { calls++; return nil })
	bus.Publish(&Event{Type: ControllerChanged})
	cancel()
	bus.Publish(&Event{Type: ControllerChanged})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if bus.HasSubscribers(ControllerChanged) {
		t.Errorf("expected no subscribers after cancel")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	if n := bus.Publish(&Event{Type: BackgroundSyncRequested}); n != 0 {
		t.Errorf("expected 0 notified, got %d", n)
	}
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON(ChangeQueued, nil); err != nil {
		t.Errorf("nil bus PublishJSON failed: %v", err)
	}
	if nilBus.HasSubscribers(ChangeQueued) {
		t.Errorf("nil bus has no subscribers")
	}
}
