package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	ch, unsubscribe := bus.Subscribe(4)

	bus.Publish(Event{Type: TypeJobState, Job: "boot-test", State: "running"})

	select {
	case e := <-ch:
		if e.Job != "boot-test" || e.State != "running" {
			t.Errorf("got event %+v", e)
		}
		if e.Time.IsZero() {
			t.Error("Publish should stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// Publishing with no subscribers must not panic
	bus.Publish(Event{Type: TypeRunFinished})
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(10)
	_, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Type: TypeJobElapsed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if bus.Dropped() != 4 {
		t.Errorf("Dropped() = %d, want 4", bus.Dropped())
	}
}

func TestBus_Recent(t *testing.T) {
	bus := NewBus(3)
	for i := 1; i <= 5; i++ {
		bus.Publish(Event{Type: TypePassStarted, Pass: i})
	}
	recent := bus.Recent()
	if len(recent) != 3 {
		t.Fatalf("len(Recent()) = %d, want 3", len(recent))
	}
	if recent[0].Pass != 3 || recent[2].Pass != 5 {
		t.Errorf("Recent() passes = %d..%d, want 3..5", recent[0].Pass, recent[2].Pass)
	}
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(Event{Type: TypeProblemDevice, Detail: "ps4-07"})
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "problem_device" {
		t.Errorf("type = %q, want problem_device", env.Type)
	}
}

func TestEmit(t *testing.T) {
	Emit(nil, Event{Type: TypeRunStarted})

	var got Event
	Emit(func(e Event) { got = e }, Event{Type: TypeRunStarted, RunID: "r1"})
	if got.RunID != "r1" || got.Time.IsZero() {
		t.Errorf("Emit delivered %+v", got)
	}
}
