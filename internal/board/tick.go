package board

import (
	"context"
	"errors"
	"sort"
	"strings"

	"toastboard/internal/broker"
	"toastboard/internal/eventbus"
	logx "toastboard/pkg/logx"
)

// InitialFill reconciles the cache with the most recent stored toasts.
// Ids already cached and spam are skipped; survivors are injected oldest
// first so the newest ends up at the front. Store failures are logged and
// leave the cache as it is. It returns how many toasts were injected.
func (b *Board) InitialFill(ctx context.Context) int {
	recs, err := b.store.Recent(ctx, b.cfg.VisibleMax)
	if err != nil {
		b.log.Warn("reconcile query failed", logx.Err(err))
		return 0
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Time.Before(recs[j].Time) })

	n := 0
	b.mu.Lock()
	for _, r := range recs {
		t := r.Toast()
		if b.cache.Contains(t.ID) || b.cache.IsSpam(t) {
			continue
		}
		b.cache.Inject(t.WithHTML(b.render(t.Content)))
		n++
	}
	b.mu.Unlock()

	b.log.Debug("reconciled", logx.Int("fetched", len(recs)), logx.Int("injected", n))
	b.bus.Publish(eventbus.Event{Type: eventbus.BoardReconciled, Data: n})
	return n
}

// Tick is the periodic maintenance step. It refreshes the sibling set,
// collects stale channels every GCEvery ticks while membership is known, and
// reconciles with the store during the first ReconcileTicks ticks or while
// membership is unknown.
func (b *Board) Tick(ctx context.Context) error {
	b.mu.Lock()
	b.age++
	age := b.age
	b.mu.Unlock()

	active, known := b.registry.Active(ctx)
	b.mu.Lock()
	if known {
		b.active = active
	}
	b.known = known
	b.mu.Unlock()

	if known && age%b.cfg.GCEvery == 0 {
		b.collect(ctx, active)
	}
	if age <= b.cfg.ReconcileTicks || !known {
		b.InitialFill(ctx)
	}
	return nil
}

// collect deletes the channels of instances that are no longer active.
// Channels deleted concurrently by a sibling are not an error.
func (b *Board) collect(ctx context.Context, active []string) {
	if b.broker == nil {
		return
	}
	names, err := b.broker.ListChannels(ctx)
	if errors.Is(err, broker.ErrListUnsupported) {
		b.log.Trace("channel listing unsupported, relying on broker expiry")
		return
	}
	if err != nil {
		b.log.Warn("list channels failed", logx.Err(err))
		return
	}

	alive := make(map[string]bool, len(active)+1)
	for _, name := range active {
		alive[name] = true
	}
	alive[b.cfg.Instance] = true

	for _, ch := range names {
		owner, ok := strings.CutPrefix(ch, b.cfg.ChannelPrefix)
		if !ok || alive[owner] {
			continue
		}
		err := b.broker.DeleteChannel(ctx, ch)
		switch {
		case err == nil:
			b.log.Info("stale channel collected", logx.String("channel", ch))
			b.bus.Publish(eventbus.Event{Type: eventbus.ChannelCollected, Data: ch})
		case errors.Is(err, broker.ErrChannelNotFound):
			b.log.Debug("stale channel already gone", logx.String("channel", ch))
		default:
			b.log.Warn("collect channel failed", logx.String("channel", ch), logx.Err(err))
		}
	}
}
