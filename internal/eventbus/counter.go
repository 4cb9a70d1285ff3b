package eventbus

import (
	"context"
	"sync"
	"time"
)

// Counter tallies events per type. It backs the /healthz counters.
type Counter struct {
	mu     sync.Mutex
	counts map[string]uint64
	last   map[string]time.Time
}

func NewCounter() *Counter {
	return &Counter{counts: map[string]uint64{}, last: map[string]time.Time{}}
}

// Run consumes ch until it closes or ctx is done.
func (c *Counter) Run(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

func (c *Counter) Observe(e Event) {
	c.mu.Lock()
	c.counts[e.Type]++
	if e.Time.After(c.last[e.Type]) {
		c.last[e.Type] = e.Time
	}
	c.mu.Unlock()
}

// Counts returns a copy of the per-type totals.
func (c *Counter) Counts() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Last returns when an event of type typ was last seen.
func (c *Counter) Last(typ string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[typ]
	return t, ok
}
