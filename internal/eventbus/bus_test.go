package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.SubscribePrefix(4, "monitor.")
	defer unsubC()

	Emit(b, JobActivated, "j1")
	Emit(b, MonitorJobMissed, "j2")

	first := <-a
	if first.Type != JobActivated || first.Data != "j1" || first.Time.IsZero() {
		t.Fatalf("unexpected event %+v", first)
	}
	if second := <-a; second.Type != MonitorJobMissed {
		t.Fatalf("unexpected event %+v", second)
	}
	select {
	case e := <-c:
		if e.Type != MonitorJobMissed {
			t.Fatalf("prefix subscriber got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("prefix subscriber got nothing")
	}
	select {
	case e := <-c:
		t.Fatalf("prefix subscriber got extra %s", e.Type)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: JobFired})
	}
	if b.Dropped() != 9 {
		t.Fatalf("dropped=%d want 9", b.Dropped())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: JobFired})
	Emit(nil, JobFired, nil)
}
