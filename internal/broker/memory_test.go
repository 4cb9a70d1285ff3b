package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "toastboard/pkg/logx"
)

func TestMemoryContract(t *testing.T) {
	t.Parallel()
	testBrokerContract(t, NewHub().Client(200*time.Millisecond, 10), "toastboard.a")
}

func TestMemoryPullWaitsForPublish(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	a := hub.Client(5*time.Second, 10)
	b := hub.Client(5*time.Second, 10)
	ctx := context.Background()
	if err := a.EnsureChannel(ctx, "toastboard.a"); err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := a.Pull(ctx, "toastboard.a")
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Publish(ctx, "toastboard.a", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msgs := <-done:
		if len(msgs) != 1 || string(msgs[0].Payload) != "x" {
			t.Fatalf("Pull = %+v", msgs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pull did not wake on publish")
	}
}

func TestMemoryPullTimesOutEmpty(t *testing.T) {
	t.Parallel()

	c := NewHub().Client(30*time.Millisecond, 10)
	ctx := context.Background()
	_ = c.EnsureChannel(ctx, "x")
	msgs, err := c.Pull(ctx, "x")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("Pull = %v, %v; want empty, nil", msgs, err)
	}
}

func TestMemoryUnackedStayPending(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	c := hub.Client(time.Second, 1)
	ctx := context.Background()
	_ = c.EnsureChannel(ctx, "x")
	_ = c.Publish(ctx, "x", []byte("1"))
	_ = c.Publish(ctx, "x", []byte("2"))

	msgs, err := c.Pull(ctx, "x")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Pull = %v, %v; want one message (pull max 1)", msgs, err)
	}
	if n := hub.Pending("x"); n != 2 {
		t.Fatalf("Pending = %d, want 2", n)
	}
	_ = c.Ack(ctx, msgs[0].Token)
	if n := hub.Pending("x"); n != 1 {
		t.Fatalf("Pending after ack = %d, want 1", n)
	}
}

func TestMemoryMissingChannel(t *testing.T) {
	t.Parallel()

	c := NewHub().Client(time.Second, 10)
	ctx := context.Background()
	if err := c.Publish(ctx, "ghost", []byte("x")); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Publish err = %v, want ErrChannelNotFound", err)
	}
	if _, err := c.Pull(ctx, "ghost"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Pull err = %v, want ErrChannelNotFound", err)
	}
	if err := c.DeleteChannel(ctx, "ghost"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("DeleteChannel err = %v, want ErrChannelNotFound", err)
	}
}

func TestMemoryDeleteWakesPuller(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	owner := hub.Client(5*time.Second, 10)
	gc := hub.Client(5*time.Second, 10)
	ctx := context.Background()
	_ = owner.EnsureChannel(ctx, "x")

	errc := make(chan error, 1)
	go func() {
		_, err := owner.Pull(ctx, "x")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := gc.DeleteChannel(ctx, "x"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrChannelNotFound) {
			t.Fatalf("Pull err = %v, want ErrChannelNotFound", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pull did not return after delete")
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	b, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	if err != nil || b != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", b, err)
	}
	if _, err := Open(context.Background(), Config{Driver: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
