package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: ToastAccepted, Data: int64(1)})
	b.Publish(Event{Type: ToastAccepted, Data: int64(2)}) // dropped

	e := <-ch
	if e.Data != int64(1) {
		t.Fatalf("Data = %v, want 1", e.Data)
	}
	if e.Time.IsZero() {
		t.Fatal("Time not stamped")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: ToastRelayed})
}

func TestCounter(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(16)
	c := NewCounter()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), ch) }()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(Event{Type: ToastAccepted, Time: at})
	b.Publish(Event{Type: ToastAccepted, Time: at.Add(time.Second)})
	b.Publish(Event{Type: ToastRejected, Time: at})
	unsub()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	got := c.Counts()
	if got[ToastAccepted] != 2 || got[ToastRejected] != 1 || got[ToastRelayed] != 0 {
		t.Fatalf("Counts = %v", got)
	}
	if last, ok := c.Last(ToastAccepted); !ok || !last.Equal(at.Add(time.Second)) {
		t.Fatalf("Last = %v, %v", last, ok)
	}
}
