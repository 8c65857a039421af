package eventbus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	a, cancelA := b.Subscribe(4)
	defer cancelA()
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(Event{Topic: "ledger.transition", Data: "x"})

	for _, ch := range []<-chan Event{a, c} {
		ev := recv(t, ch)
		if ev.Topic != "ledger.transition" {
			t.Fatalf("topic = %q", ev.Topic)
		}
		if ev.At.IsZero() {
			t.Fatal("publish did not stamp the event time")
		}
	}
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4, "dispatch.sent", "dispatch.rejected")
	defer cancel()

	b.Publish(Event{Topic: "ledger.transition"})
	b.Publish(Event{Topic: "dispatch.sent"})
	b.Publish(Event{Topic: "dispatch.exhausted"})
	b.Publish(Event{Topic: "dispatch.rejected"})

	if ev := recv(t, ch); ev.Topic != "dispatch.sent" {
		t.Fatalf("first = %q", ev.Topic)
	}
	if ev := recv(t, ch); ev.Topic != "dispatch.rejected" {
		t.Fatalf("second = %q", ev.Topic)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %q", ev.Topic)
	default:
	}
}

func TestSlowSubscriberMissesEvents(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Topic: "a"})
	b.Publish(Event{Topic: "b"}) // buffer full; must not block

	if ev := recv(t, ch); ev.Topic != "a" {
		t.Fatalf("kept event = %q", ev.Topic)
	}
	select {
	case ev := <-ch:
		t.Fatalf("overflow event delivered: %q", ev.Topic)
	default:
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(1)
	cancel()
	cancel()
	// Publishing after cancel must not panic or deliver.
	b.Publish(Event{Topic: "late"})
}
