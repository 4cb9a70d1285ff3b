// Package board keeps one instance's toast cache consistent with the durable
// store and with sibling instances, and fans new toasts out to live viewers.
//
// Accepted posts are persisted, injected, delivered to local subscribers and
// then published once to every active sibling's channel. Toasts received from
// siblings are injected and delivered but never persisted or published again.
package board

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"toastboard/internal/broker"
	"toastboard/internal/cache"
	"toastboard/internal/eventbus"
	"toastboard/internal/format"
	"toastboard/internal/registry"
	"toastboard/internal/sanitize"
	"toastboard/internal/store"
	"toastboard/internal/toast"
	logx "toastboard/pkg/logx"
)

const (
	DefaultChannelPrefix  = "toastboard."
	DefaultGCEvery        = 10
	DefaultReconcileTicks = 3
	DefaultPublishTimeout = 5 * time.Second
	DefaultPollInterval   = time.Second
	DefaultHeartbeatPolls = 15
	DefaultMaxPending     = 256
)

// Config tunes a Board. Zero values take the defaults above.
type Config struct {
	Instance       string
	ChannelPrefix  string
	VisibleMax     int
	SpamAllowed    bool
	GCEvery        int
	ReconcileTicks int
	PublishTimeout time.Duration
	// RelayRatePerSec caps sibling publishes per second; 0 means no cap.
	RelayRatePerSec float64

	PollInterval   time.Duration
	HeartbeatPolls int
	MaxPending     int
}

func (c *Config) withDefaults() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = DefaultChannelPrefix
	}
	if c.VisibleMax <= 0 {
		c.VisibleMax = cache.DefaultVisibleMax
	}
	if c.GCEvery <= 0 {
		c.GCEvery = DefaultGCEvery
	}
	if c.ReconcileTicks < 0 {
		c.ReconcileTicks = 0
	} else if c.ReconcileTicks == 0 {
		c.ReconcileTicks = DefaultReconcileTicks
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatPolls <= 0 {
		c.HeartbeatPolls = DefaultHeartbeatPolls
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
}

// Archiver receives every toast this instance persists.
type Archiver interface {
	Append(t toast.Toast) error
}

// Deps are the board's collaborators. Store is required; a nil Broker means
// single-instance mode and a nil Registry never knows its siblings.
type Deps struct {
	Store    store.Store
	Broker   broker.Broker
	Registry registry.Registry
	Bus      eventbus.Bus
	Archive  Archiver
	Log      logx.Logger

	// Now, Sanitize and Render default to time.Now, sanitize.Clean and
	// format.Render.
	Now      func() time.Time
	Sanitize func(string) (string, error)
	Render   func(string) string
}

// Board is the synchronization coordinator of one instance.
type Board struct {
	cfg      Config
	channel  string
	store    store.Store
	broker   broker.Broker
	registry registry.Registry
	bus      eventbus.Bus
	archive  Archiver
	log      logx.Logger
	now      func() time.Time
	clean    func(string) (string, error)
	render   func(string) string
	limiter  *rate.Limiter

	// newPoll builds a subscriber's poll clock.
	newPoll func(time.Duration) (<-chan time.Time, func())

	// drainMu keeps drains serial; mu guards everything below it. Store and
	// broker calls never run under mu.
	drainMu sync.Mutex

	mu           sync.Mutex
	cache        *cache.Cache
	pending      []toast.Toast
	inflight     []toast.Toast // taken by the running drain, not yet cached
	subs         map[string]Notifier
	active       []string
	known        bool
	channelReady bool
	age          int
	closed       bool
}

// New builds a board. It does not touch the store or broker.
func New(cfg Config, d Deps) (*Board, error) {
	cfg.withDefaults()
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("board: instance name required")
	}
	if d.Store == nil {
		return nil, errors.New("board: store required")
	}
	if d.Registry == nil {
		d.Registry = registry.None{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sanitize == nil {
		d.Sanitize = sanitize.Clean
	}
	if d.Render == nil {
		d.Render = format.Render
	}

	b := &Board{
		cfg:      cfg,
		channel:  cfg.ChannelPrefix + cfg.Instance,
		store:    d.Store,
		broker:   d.Broker,
		registry: d.Registry,
		bus:      d.Bus,
		archive:  d.Archive,
		log:      d.Log.With(logx.String("comp", "board"), logx.String("instance", cfg.Instance)),
		now:      d.Now,
		clean:    d.Sanitize,
		render:   d.Render,
		newPoll:  realPoll,
		cache:    cache.New(cfg.VisibleMax, cfg.SpamAllowed),
		subs:     map[string]Notifier{},
	}
	if cfg.RelayRatePerSec > 0 {
		burst := int(cfg.RelayRatePerSec)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RelayRatePerSec), burst)
	}
	return b, nil
}

func realPoll(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Channel is this instance's broadcast channel name.
func (b *Board) Channel() string { return b.channel }

// Instance is this instance's name.
func (b *Board) Instance() string { return b.cfg.Instance }

// SetSpamAllowed toggles spam prevention at runtime.
func (b *Board) SetSpamAllowed(v bool) {
	b.mu.Lock()
	b.cache.SetSpamAllowed(v)
	b.mu.Unlock()
}

// Toasts returns the cached toasts, newest first.
func (b *Board) Toasts() []toast.Toast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Snapshot()
}

// Stats is a point-in-time view of the board for health output.
type Stats struct {
	Instance    string   `json:"instance"`
	Channel     string   `json:"channel"`
	Cached      int      `json:"cached"`
	Pending     int      `json:"pending"`
	Subscribers int      `json:"subscribers"`
	Age         int      `json:"age"`
	Clustered   bool     `json:"clustered"`
	Siblings    []string `json:"siblings,omitempty"`
	SpamAllowed bool     `json:"spam_allowed"`
}

func (b *Board) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Instance:    b.cfg.Instance,
		Channel:     b.channel,
		Cached:      b.cache.Len(),
		Pending:     len(b.pending),
		Subscribers: len(b.subs),
		Age:         b.age,
		Clustered:   b.known,
		Siblings:    b.siblingsLocked(),
		SpamAllowed: b.cache.SpamAllowed(),
	}
}

// AddToast accepts a post from a local viewer.
//
// The content is sanitized first; malformed markup fails the call with an
// error wrapping sanitize.ErrMalformed and nothing is queued. Empty content
// is a no-op. Otherwise the post is queued unless it is spam, and the queue
// is drained. The returned author ids are those whose posts were persisted
// by this drain, which may include posts retried from earlier calls.
//
// Spam is judged against the cache plus every admitted post still waiting
// for its write. The drain outlives ctx's cancellation so that a departing
// client cannot cut a persisted toast off from its siblings.
func (b *Board) AddToast(ctx context.Context, content, author string, authorID int64) ([]int64, error) {
	plain, err := b.clean(content)
	if err != nil {
		return nil, fmt.Errorf("add toast: %w", err)
	}
	if plain == "" {
		return nil, nil
	}
	t := toast.Toast{Author: author, AuthorID: authorID, Content: plain, Time: b.now().UTC()}

	b.mu.Lock()
	spam := b.cache.IsSpamWith(t, b.unsavedLocked())
	if !spam {
		b.pending = append(b.pending, t)
	}
	b.mu.Unlock()

	if spam {
		b.log.Info("toast rejected as spam", logx.Int64("author_id", authorID))
		b.bus.Publish(eventbus.Event{Type: eventbus.ToastRejected, Data: authorID})
	}
	return b.drain(context.WithoutCancel(ctx)), nil
}

// unsavedLocked returns the admitted posts that are not cached yet.
func (b *Board) unsavedLocked() []toast.Toast {
	if len(b.inflight) == 0 {
		return b.pending
	}
	out := make([]toast.Toast, 0, len(b.inflight)+len(b.pending))
	return append(append(out, b.inflight...), b.pending...)
}

// Pending returns how many toasts wait for a durable write.
func (b *Board) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// drain writes every queued toast. Failures go back to the front of the
// queue in their original order.
func (b *Board) drain(ctx context.Context) []int64 {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.Lock()
	queue := b.pending
	b.pending = nil
	b.inflight = slices.Clone(queue)
	b.mu.Unlock()

	var accepted []int64
	var failed []toast.Toast
	for _, t := range queue {
		id, err := b.store.Put(ctx, store.FromToast(t))
		if err != nil {
			failed = append(failed, t)
			b.log.Warn("toast write failed, requeued",
				logx.Int64("author_id", t.AuthorID),
				logx.Time("time", t.Time),
				logx.Err(err),
			)
			b.bus.Publish(eventbus.Event{Type: eventbus.ToastRequeued, Data: t.AuthorID})
			continue
		}
		saved := t.WithID(id).WithHTML(b.render(t.Content))

		b.mu.Lock()
		if i := slices.Index(b.inflight, t); i >= 0 {
			b.inflight = slices.Delete(b.inflight, i, i+1)
		}
		b.cache.Inject(saved)
		b.notifyLocked(saved)
		siblings := b.siblingsLocked()
		b.mu.Unlock()

		accepted = append(accepted, t.AuthorID)
		b.bus.Publish(eventbus.Event{Type: eventbus.ToastAccepted, Data: id})
		if b.archive != nil {
			if err := b.archive.Append(saved); err != nil {
				b.log.Warn("archive append failed", logx.Int64("id", id), logx.Err(err))
			}
		}
		b.broadcast(ctx, saved, siblings)
	}

	b.mu.Lock()
	b.inflight = nil
	if len(failed) > 0 {
		b.pending = append(failed, b.pending...)
	}
	b.mu.Unlock()
	return accepted
}

// siblingsLocked returns the channels of the other active instances. The
// set is empty while the registry has not reported a known membership.
func (b *Board) siblingsLocked() []string {
	if !b.known {
		return nil
	}
	out := make([]string, 0, len(b.active))
	for _, name := range b.active {
		if name == b.cfg.Instance {
			continue
		}
		out = append(out, b.cfg.ChannelPrefix+name)
	}
	return out
}

// broadcast publishes t to each sibling channel. Failures only cost the
// sibling a live update; reconciliation and reconnect back-fill cover it.
func (b *Board) broadcast(ctx context.Context, t toast.Toast, channels []string) {
	if b.broker == nil || len(channels) == 0 {
		return
	}
	payload, err := toast.Encode(t)
	if err != nil {
		b.log.Error("encode toast failed", logx.Int64("id", t.ID), logx.Err(err))
		return
	}
	for _, ch := range channels {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				b.log.Warn("relay aborted", logx.Int64("id", t.ID), logx.Err(err))
				return
			}
		}
		pctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		err := b.broker.Publish(pctx, ch, payload)
		cancel()
		switch {
		case err == nil:
			b.log.Debug("toast relayed", logx.Int64("id", t.ID), logx.String("channel", ch))
		case errors.Is(err, broker.ErrChannelNotFound):
			// The sibling has not created its channel yet.
			b.log.Debug("sibling channel missing", logx.String("channel", ch))
		default:
			b.log.Warn("relay publish failed", logx.Int64("id", t.ID), logx.String("channel", ch), logx.Err(err))
		}
	}
}

// notifyLocked delivers t to every subscriber, dropping those that fail.
func (b *Board) notifyLocked(t toast.Toast) {
	for id, n := range b.subs {
		if err := n.Notify(t); err != nil {
			delete(b.subs, id)
			b.log.Debug("subscriber dropped", logx.String("sub", id), logx.Err(err))
		}
	}
}

// Close ends every live subscription. The board's collaborators are owned
// by the caller.
func (b *Board) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[string]Notifier{}
	b.closed = true
	b.mu.Unlock()
	for _, n := range subs {
		if s, ok := n.(*Subscriber); ok {
			s.shutdown()
		}
	}
}
