// Package cache holds the bounded, newest-first list of visible toasts and
// the spam rules that gate admission to it.
package cache

import (
	"time"

	"toastboard/internal/toast"
)

const (
	// DefaultVisibleMax is the cache capacity when none is configured.
	DefaultVisibleMax = 50
	// SpamWindow is how far back the spam rules look from a candidate.
	SpamWindow = 30 * time.Second
	// maxPerWindow same-author posts inside the window make the next one spam.
	maxPerWindow = 2
)

// Cache is a bounded list of toasts, newest at index 0.
//
// Inserts go to the front and trim the back; entries are never re-sorted.
// Cache is not safe for concurrent use: its owner serializes access.
type Cache struct {
	max         int
	spamAllowed bool
	entries     []toast.Toast
}

func New(visibleMax int, spamAllowed bool) *Cache {
	if visibleMax <= 0 {
		visibleMax = DefaultVisibleMax
	}
	return &Cache{max: visibleMax, spamAllowed: spamAllowed, entries: make([]toast.Toast, 0, visibleMax)}
}

func (c *Cache) Len() int { return len(c.entries) }

func (c *Cache) Cap() int { return c.max }

// SetSpamAllowed toggles spam prevention off (true) or on (false).
func (c *Cache) SetSpamAllowed(v bool) { c.spamAllowed = v }

func (c *Cache) SpamAllowed() bool { return c.spamAllowed }

// IsSpam reports whether candidate should be rejected.
//
// Only entries strictly newer than candidate.Time-SpamWindow are considered,
// and the scan stops at the first older one. Inside the window, a post by the
// same author with identical content is spam, and so is a candidate whose
// author already has maxPerWindow posts there.
func (c *Cache) IsSpam(candidate toast.Toast) bool {
	return c.IsSpamWith(candidate, nil)
}

// IsSpamWith is IsSpam with unsaved counted as if they were cached. unsaved
// holds posts that were admitted but are not persisted yet, in any order.
func (c *Cache) IsSpamWith(candidate toast.Toast, unsaved []toast.Toast) bool {
	if c.spamAllowed {
		return false
	}
	cutoff := toast.Normalize(candidate.Time).Add(-SpamWindow)

	same := 0
	hit := func(known toast.Toast) bool {
		if known.AuthorID != candidate.AuthorID {
			return false
		}
		if known.Content == candidate.Content {
			return true
		}
		same++
		return same >= maxPerWindow
	}
	for _, known := range c.entries {
		if !toast.Normalize(known.Time).After(cutoff) {
			break
		}
		if hit(known) {
			return true
		}
	}
	for _, known := range unsaved {
		if toast.Normalize(known.Time).After(cutoff) && hit(known) {
			return true
		}
	}
	return false
}

// Inject puts t at the front and trims the oldest entries beyond capacity.
func (c *Cache) Inject(t toast.Toast) {
	c.entries = append(c.entries, toast.Toast{})
	copy(c.entries[1:], c.entries)
	c.entries[0] = t
	for len(c.entries) > c.max {
		c.entries[len(c.entries)-1] = toast.Toast{}
		c.entries = c.entries[:len(c.entries)-1]
	}
}

// Contains reports whether a persisted toast with id is cached.
func (c *Cache) Contains(id int64) bool {
	if id == 0 {
		return false
	}
	for _, t := range c.entries {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the entries, newest first.
func (c *Cache) Snapshot() []toast.Toast {
	out := make([]toast.Toast, len(c.entries))
	copy(out, c.entries)
	return out
}

// Since returns the entries newer than the one with lastSeenID, oldest first.
// When lastSeenID is 0 or no longer cached, every entry is returned.
func (c *Cache) Since(lastSeenID int64) []toast.Toast {
	n := len(c.entries)
	if lastSeenID != 0 {
		for i, t := range c.entries {
			if t.ID == lastSeenID {
				n = i
				break
			}
		}
	}
	out := make([]toast.Toast, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, c.entries[i])
	}
	return out
}
