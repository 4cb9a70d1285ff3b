package board

import (
	"context"
	"errors"
	"fmt"

	"toastboard/internal/broker"
	"toastboard/internal/eventbus"
	"toastboard/internal/toast"
	logx "toastboard/pkg/logx"
)

// ensureChannel creates the own channel once per process, or again after the
// broker reported it missing.
func (b *Board) ensureChannel(ctx context.Context) error {
	b.mu.Lock()
	ready := b.channelReady
	b.mu.Unlock()
	if ready {
		return nil
	}
	if err := b.broker.EnsureChannel(ctx, b.channel); err != nil {
		return fmt.Errorf("ensure channel %s: %w", b.channel, err)
	}
	b.mu.Lock()
	b.channelReady = true
	b.mu.Unlock()
	b.log.Info("listening", logx.String("channel", b.channel))
	return nil
}

// Listen is the receive loop: it pulls sibling toasts from the own channel
// until ctx is done or the broker fails. Without a broker it returns nil at
// once. Callers run it under a restarting supervisor.
func (b *Board) Listen(ctx context.Context) error {
	if b.broker == nil {
		return nil
	}
	if err := b.ensureChannel(ctx); err != nil {
		return err
	}
	for {
		msgs, err := b.broker.Pull(ctx, b.channel)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrChannelNotFound) {
				b.mu.Lock()
				b.channelReady = false
				b.mu.Unlock()
			}
			return fmt.Errorf("pull %s: %w", b.channel, err)
		}
		if len(msgs) == 0 {
			continue
		}
		tokens := make([]string, 0, len(msgs))
		for _, m := range msgs {
			b.receive(m.Payload)
			tokens = append(tokens, m.Token)
		}
		if err := b.broker.Ack(ctx, tokens...); err != nil {
			// Unacked messages come back; receive skips ids it already holds.
			b.log.Warn("ack failed", logx.Int("messages", len(tokens)), logx.Err(err))
		}
	}
}

// receive injects one relayed toast. It never persists or publishes.
func (b *Board) receive(payload []byte) {
	t, err := toast.Decode(payload)
	if err != nil {
		b.log.Warn("dropping undecodable relay", logx.Int("bytes", len(payload)), logx.Err(err))
		return
	}
	t = t.WithHTML(b.render(t.Content))

	b.mu.Lock()
	switch {
	case b.cache.Contains(t.ID):
		b.mu.Unlock()
		return
	case b.cache.IsSpam(t):
		b.mu.Unlock()
		b.log.Debug("relayed toast rejected as spam", logx.Int64("id", t.ID), logx.Int64("author_id", t.AuthorID))
		b.bus.Publish(eventbus.Event{Type: eventbus.ToastRejected, Data: t.AuthorID})
		return
	}
	b.cache.Inject(t)
	b.notifyLocked(t)
	b.mu.Unlock()

	b.bus.Publish(eventbus.Event{Type: eventbus.ToastRelayed, Data: t.ID})
}
