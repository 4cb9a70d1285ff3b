package broker

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Hub is an in-process broker shared by any number of clients.
type Hub struct {
	mu       sync.Mutex
	seq      uint64
	channels map[string]*memChannel
	inflight map[string]inflightMsg
}

type memChannel struct {
	queue [][]byte
	// wake is closed and replaced whenever the channel changes.
	wake chan struct{}
}

type inflightMsg struct {
	channel string
	payload []byte
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]*memChannel), inflight: make(map[string]inflightMsg)}
}

// Client returns a Broker backed by the hub.
func (h *Hub) Client(pullWait time.Duration, pullMax int) *Memory {
	if pullWait <= 0 {
		pullWait = DefaultPullWait
	}
	if pullMax <= 0 {
		pullMax = DefaultPullMax
	}
	return &Memory{hub: h, pullWait: pullWait, pullMax: pullMax, closed: make(chan struct{})}
}

// Pending reports how many messages wait in channel, including unacked ones.
func (h *Hub) Pending(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	if c, ok := h.channels[channel]; ok {
		n = len(c.queue)
	}
	for _, m := range h.inflight {
		if m.channel == channel {
			n++
		}
	}
	return n
}

func (c *memChannel) signal() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Memory is a Broker client of a Hub.
type Memory struct {
	hub      *Hub
	pullWait time.Duration
	pullMax  int

	closeOnce sync.Once
	closed    chan struct{}
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Memory) EnsureChannel(ctx context.Context, name string) error {
	if m.isClosed() {
		return ErrClosed
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[name]; !ok {
		h.channels[name] = &memChannel{wake: make(chan struct{})}
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[channel]
	if !ok {
		return ErrChannelNotFound
	}
	c.queue = append(c.queue, append([]byte(nil), payload...))
	c.signal()
	return nil
}

func (m *Memory) Pull(ctx context.Context, channel string) ([]Message, error) {
	timer := time.NewTimer(m.pullWait)
	defer timer.Stop()

	h := m.hub
	for {
		if m.isClosed() {
			return nil, ErrClosed
		}
		h.mu.Lock()
		c, ok := h.channels[channel]
		if !ok {
			h.mu.Unlock()
			return nil, ErrChannelNotFound
		}
		if len(c.queue) > 0 {
			n := len(c.queue)
			if n > m.pullMax {
				n = m.pullMax
			}
			out := make([]Message, 0, n)
			for _, p := range c.queue[:n] {
				h.seq++
				tok := channel + "#" + strconv.FormatUint(h.seq, 10)
				h.inflight[tok] = inflightMsg{channel: channel, payload: p}
				out = append(out, Message{Token: tok, Payload: p})
			}
			c.queue = append([][]byte(nil), c.queue[n:]...)
			h.mu.Unlock()
			return out, nil
		}
		wake := c.wake
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrClosed
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

func (m *Memory) Ack(ctx context.Context, tokens ...string) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range tokens {
		delete(h.inflight, t)
	}
	return nil
}

func (m *Memory) ListChannels(ctx context.Context) ([]string, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	h := m.hub
	h.mu.Lock()
	out := make([]string, 0, len(h.channels))
	for name := range h.channels {
		out = append(out, name)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DeleteChannel(ctx context.Context, name string) error {
	if m.isClosed() {
		return ErrClosed
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[name]
	if !ok {
		return ErrChannelNotFound
	}
	for tok, msg := range h.inflight {
		if msg.channel == name {
			delete(h.inflight, tok)
		}
	}
	delete(h.channels, name)
	c.signal()
	return nil
}

// Close detaches the client; the hub and its channels stay.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
