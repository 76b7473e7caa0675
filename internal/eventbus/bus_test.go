package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeTaskCompleted, Data: "payload"})

	select {
	case e := <-ch:
		if e.Type != TypeTaskCompleted {
			t.Fatalf("Type = %s", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish must stamp a time when none is set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeTaskStarted})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic on the closed channel.
	b.Publish(Event{Type: TypeTaskFailed})
}

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(2)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(2)
	defer unsub2()

	b.Publish(Event{Type: TypeHealthFolded})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeHealthFolded {
				t.Fatalf("subscriber %d got %s", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}
