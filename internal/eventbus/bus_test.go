package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: MessageSent, Data: "m1"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != MessageSent {
				t.Fatalf("sub %d type = %q, want %q", i, ev.Type, MessageSent)
			}
			if ev.Time.IsZero() {
				t.Fatalf("sub %d time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d got nothing", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	if ev := <-ch; ev.Type != "a" {
		t.Fatalf("kept %q, want a", ev.Type)
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
}

func TestEmitNilBus(t *testing.T) {
	t.Parallel()
	Emit(nil, SessionStatus, nil)
}
