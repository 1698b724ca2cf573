package events

import (
	"fmt"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicAutomation, 10)

	event := StartedEvent{
		ID:        "task-1",
		ProjectID: "proj-a",
		SessionID: "sess-1",
		Timestamp: time.Now(),
	}

	bus.Publish(TopicAutomation, event)

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicAutomation, 10)
	ch2 := bus.Subscribe(TopicAutomation, 10)

	event := CompletedEvent{
		ID:        "task-2",
		Reason:    "all tracked work reported complete",
		Timestamp: time.Now(),
	}

	bus.Publish(TopicAutomation, event)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscriber with buffer size 1 that never drains.
	bus.Subscribe(TopicAutomation, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicAutomation, StartedEvent{
				ID:        fmt.Sprintf("task-%d", i),
				Timestamp: time.Now(),
			})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber channel")
	}
}

// TestSubscribeAll verifies cross-topic subscriptions receive events from every topic.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Publish(TopicTask, RegistryChangedEvent{Timestamp: time.Now()})
	bus.Publish(TopicAutomation, CancelledEvent{ID: "task-3", Reason: "user abort", Timestamp: time.Now()})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-all:
			got[e.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event on SubscribeAll channel")
		}
	}

	if !got[EventTypeRegistryChanged] || !got[EventTypeCancelled] {
		t.Errorf("expected both event types, got %v", got)
	}
}

// TestCloseIdempotent verifies closing twice doesn't panic and closes channels.
func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to be closed")
	}

	// Publishing after close must be a no-op.
	bus.Publish(TopicTask, RegistryChangedEvent{Timestamp: time.Now()})
}

// TestPublishAfterSubscribeOnClosedBus verifies Subscribe on a closed bus
// returns an already-closed channel.
func TestPublishAfterSubscribeOnClosedBus(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel from Subscribe on closed bus")
	}
}
