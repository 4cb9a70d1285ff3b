// Package toast defines the board's post value and its wire encoding.
package toast

import (
	"fmt"
	"strings"
	"time"
)

// Toast is an immutable post.
//
// Content is the sanitized plain text; HTML is its display rendering and is
// never stored or broadcast. ID is assigned by the durable store, 0 means the
// toast has not been persisted yet.
type Toast struct {
	Author   string
	AuthorID int64
	Content  string
	HTML     string
	Time     time.Time
	ID       int64
}

// Persisted reports whether the store has assigned an id.
func (t Toast) Persisted() bool { return t.ID != 0 }

// WithID returns a copy carrying id.
func (t Toast) WithID(id int64) Toast {
	t.ID = id
	return t
}

// WithHTML returns a copy carrying the display rendering.
func (t Toast) WithHTML(html string) Toast {
	t.HTML = html
	return t
}

// Display returns the rendered form, falling back to Content.
func (t Toast) Display() string {
	if t.HTML != "" {
		return t.HTML
	}
	return t.Content
}

// Normalize converts t to UTC. Zone-less values are already UTC in Go.
func Normalize(t time.Time) time.Time { return t.UTC() }

// naiveLayouts are timestamp layouts without a zone offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses an aware (RFC3339) or naive timestamp.
// Naive values are read as UTC; aware values keep their instant.
// The result is always UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("toast: empty time")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	// yaml and python style aware timestamps: "2006-01-02 15:04:05.999999+00:00"
	if t, err := time.Parse("2006-01-02 15:04:05.999999999Z07:00", s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("toast: unrecognized time %q", s)
}
