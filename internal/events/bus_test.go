package events

import (
	"testing"
	"time"
)

func taskEvent(missionID, taskID, to string) Event {
	return Event{
		Kind:      KindTask,
		MissionID: missionID,
		TaskID:    taskID,
		From:      "queued",
		To:        to,
		Attempt:   1,
		Timestamp: time.Now(),
	}
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe("m-1", 10)
	bus.Publish(taskEvent("m-1", "task-1", "dispatched"))

	select {
	case received := <-sub.C:
		if received.TaskID != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID)
		}
		if received.To != "dispatched" {
			t.Errorf("expected transition to 'dispatched', got '%s'", received.To)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMissionIsolation verifies subscribers only see their mission's events.
func TestMissionIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	subA := bus.Subscribe("m-a", 10)
	subB := bus.Subscribe("m-b", 10)

	bus.Publish(taskEvent("m-a", "t-1", "running"))

	select {
	case <-subA.C:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subscriber A did not receive its event")
	}

	select {
	case ev := <-subB.C:
		t.Fatalf("subscriber B received foreign event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestNonBlockingSend verifies a full subscriber never blocks the publisher.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	slow := bus.Subscribe("m-1", 1)
	fast := bus.Subscribe("m-1", 10)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(taskEvent("m-1", "t", "running"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := len(slow.C); got != 1 {
		t.Errorf("expected slow subscriber to hold 1 event, got %d", got)
	}
	if got := len(fast.C); got != 5 {
		t.Errorf("expected fast subscriber to hold 5 events, got %d", got)
	}
}

// TestSubscribeAll verifies cross-topic subscriptions.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(taskEvent("m-1", "t-1", "running"))
	bus.Publish(taskEvent("m-2", "t-2", "running"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all.C:
			seen[ev.MissionID] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}
	if !seen["m-1"] || !seen["m-2"] {
		t.Errorf("expected events from both missions, got %v", seen)
	}
}

// TestUnsubscribe verifies an unsubscribed channel is closed and stops receiving.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe("m-1", 10)
	other := bus.Subscribe("m-1", 10)
	sub.Unsubscribe()
	sub.Unsubscribe()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
	if n := bus.Subscribers("m-1"); n != 1 {
		t.Errorf("expected 1 remaining subscriber, got %d", n)
	}

	bus.Publish(taskEvent("m-1", "t", "running"))
	select {
	case <-other.C:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber missed event")
	}
}

// TestCloseSignalsSubscribers verifies Close closes every channel and is idempotent.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()

	sub := bus.Subscribe("m-1", 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()
	sub.Unsubscribe()

	for _, ch := range []<-chan Event{sub.C, all.C} {
		if _, ok := <-ch; ok {
			t.Error("expected closed channel")
		}
	}

	late := bus.Subscribe("m-1", 10)
	if _, ok := <-late.C; ok {
		t.Error("expected closed channel for subscription after Close")
	}

	bus.Publish(taskEvent("m-1", "t", "running"))
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		ev   Event
		want bool
	}{
		{Event{Kind: KindMission, To: "complete"}, true},
		{Event{Kind: KindMission, To: "cancelled"}, true},
		{Event{Kind: KindMission, To: "in_progress"}, false},
		{Event{Kind: KindTask, To: "failed"}, false},
	}
	for _, tt := range tests {
		if got := tt.ev.Terminal(); got != tt.want {
			t.Errorf("Terminal(%+v) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}
