package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testBrokerContract exercises one channel's lifecycle against any driver.
func testBrokerContract(t *testing.T, b Broker, channel string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := b.EnsureChannel(ctx, channel); err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	// Idempotent.
	if err := b.EnsureChannel(ctx, channel); err != nil {
		t.Fatalf("EnsureChannel again: %v", err)
	}

	for _, p := range []string{`{"id":1}`, `{"id":2}`} {
		if err := b.Publish(ctx, channel, []byte(p)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var got []Message
	deadline := time.Now().Add(30 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		msgs, err := b.Pull(ctx, channel)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 2 {
		t.Fatalf("pulled %d messages, want 2", len(got))
	}
	if string(got[0].Payload) != `{"id":1}` || string(got[1].Payload) != `{"id":2}` {
		t.Fatalf("payloads = %q, %q", got[0].Payload, got[1].Payload)
	}
	tokens := []string{got[0].Token, got[1].Token}
	if err := b.Ack(ctx, tokens...); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	names, err := b.ListChannels(ctx)
	switch {
	case errors.Is(err, ErrListUnsupported):
	case err != nil:
		t.Fatalf("ListChannels: %v", err)
	default:
		found := false
		for _, n := range names {
			found = found || n == channel
		}
		if !found {
			t.Fatalf("ListChannels = %v, missing %s", names, channel)
		}
	}

	if err := b.DeleteChannel(ctx, channel); err != nil && !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("DeleteChannel: %v", err)
	}
}
