package board

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"toastboard/internal/toast"
	logx "toastboard/pkg/logx"
)

var (
	ErrSubscriberClosed = errors.New("board: subscriber closed")
	// ErrSubscriberBehind means the viewer fell too far behind; it should
	// reconnect with its last seen id.
	ErrSubscriberBehind = errors.New("board: subscriber fell behind")
)

// Notifier receives toasts as the board injects them. Notify must not block.
type Notifier interface {
	Notify(t toast.Toast) error
}

// Item is one element of a live stream: a toast or a heartbeat.
type Item struct {
	Toast     toast.Toast
	Heartbeat bool
}

// Subscriber is one live viewer session.
type Subscriber struct {
	id    string
	board *Board
	log   logx.Logger

	pollInterval   time.Duration
	heartbeatPolls int
	maxPending     int

	mu     sync.Mutex
	queue  []toast.Toast
	behind bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe registers a viewer. Its queue starts with the back-fill: cached
// toasts newer than lastSeenID, oldest first, or the whole cache when
// lastSeenID is 0 or no longer cached. Registration and back-fill happen
// under the same lock, so nothing injected in between is lost or doubled.
//
// The caller must Close the subscriber when the viewer disconnects.
func (b *Board) Subscribe(lastSeenID int64) *Subscriber {
	s := &Subscriber{
		id:             uuid.NewString(),
		board:          b,
		pollInterval:   b.cfg.PollInterval,
		heartbeatPolls: b.cfg.HeartbeatPolls,
		maxPending:     b.cfg.MaxPending,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	s.log = b.log.With(logx.String("sub", s.id))

	b.mu.Lock()
	s.queue = b.cache.Since(lastSeenID)
	if b.closed {
		b.mu.Unlock()
		s.shutdown()
		return s
	}
	b.subs[s.id] = s
	n := len(b.subs)
	b.mu.Unlock()

	s.log.Debug("subscriber registered", logx.Int64("last_seen", lastSeenID), logx.Int("backfill", len(s.queue)), logx.Int("subscribers", n))
	return s
}

func (s *Subscriber) ID() string { return s.id }

// Notify queues t for delivery. It fails once the subscriber is closed or
// when its queue is full.
func (s *Subscriber) Notify(t toast.Toast) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}
	s.mu.Lock()
	if len(s.queue) >= s.maxPending {
		s.behind = true
		s.mu.Unlock()
		return ErrSubscriberBehind
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Subscriber) take() ([]toast.Toast, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q, s.behind
}

func (s *Subscriber) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// Stream delivers queued toasts through emit, oldest first, until ctx is
// done, the subscriber is closed, or emit fails. Every poll that finds the
// queue empty counts as idle; after HeartbeatPolls consecutive idle polls one
// heartbeat item is emitted and the count restarts. A Notify wakes the loop
// early so toasts do not wait for the next poll.
func (s *Subscriber) Stream(ctx context.Context, emit func(Item) error) error {
	poll, stop := s.board.newPoll(s.pollInterval)
	defer stop()

	idlePolls := 0
	for {
		batch, behind := s.take()
		for _, t := range batch {
			if err := emit(Item{Toast: t}); err != nil {
				return err
			}
		}
		if len(batch) > 0 {
			idlePolls = 0
		}
		if behind {
			return ErrSubscriberBehind
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSubscriberClosed
		case <-s.wake:
		case <-poll:
			if !s.idle() {
				continue
			}
			idlePolls++
			if idlePolls >= s.heartbeatPolls {
				idlePolls = 0
				if err := emit(Item{Heartbeat: true}); err != nil {
					return err
				}
			}
		}
	}
}

// Close unregisters the subscriber. It is safe to call more than once.
func (s *Subscriber) Close() {
	b := s.board
	b.mu.Lock()
	delete(b.subs, s.id)
	n := len(b.subs)
	b.mu.Unlock()
	if s.shutdown() {
		s.log.Debug("subscriber closed", logx.Int("subscribers", n))
	}
}

// shutdown ends the stream without touching the board.
func (s *Subscriber) shutdown() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}
