package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeSent, Data: Delivery{AlertKey: "disk-full", Destination: "1"}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeSent || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
		if d, ok := e.Data.(Delivery); !ok || d.AlertKey != "disk-full" {
			t.Fatalf("data = %#v", e.Data)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: TypeSent})
	b.Publish(Event{Type: TypeSent})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TypeFailed})
}
