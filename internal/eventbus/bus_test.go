package eventbus

import (
	"testing"
	"time"
)

func TestHandleReceivesOnlyMatchingType(t *testing.T) {
	t.Parallel()

	b := New()
	var got []string
	unsub := b.Handle(TypeTaskCompleted, func(e Event) {
		got = append(got, e.Data.(TaskCompleted).TaskID)
	})

	b.Publish(Event{Type: TypeTaskStarted, Data: TaskCompleted{TaskID: "ignored"}})
	b.Publish(Event{Type: TypeTaskCompleted, Data: TaskCompleted{TaskID: "a"}})
	unsub()
	b.Publish(Event{Type: TypeTaskCompleted, Data: TaskCompleted{TaskID: "b"}})

	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
}

func TestHandlerPanicDoesNotBreakPublish(t *testing.T) {
	t.Parallel()

	b := New()
	b.Handle("x", func(Event) { panic("boom") })
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	select {
	case e := <-ch:
		if e.Time.IsZero() {
			t.Fatalf("publish should stamp time")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive event")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("first=%s", e.Type)
	}
	unsub()
	// Publishing after close must not panic.
	b.Publish(Event{Type: "c"})
}
