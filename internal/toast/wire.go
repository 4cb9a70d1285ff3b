package toast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// ErrBadPayload is returned by Decode for payloads that cannot become a toast.
var ErrBadPayload = errors.New("toast: bad payload")

// wire is the broadcast representation. HTML never crosses the wire.
type wire struct {
	Author   string `json:"author" yaml:"author"`
	AuthorID int64  `json:"author_id" yaml:"author_id"`
	Content  string `json:"content" yaml:"content"`
	Time     string `json:"time" yaml:"time"`
	ID       int64  `json:"id" yaml:"id"`
}

// Encode returns the JSON wire payload for a persisted toast.
func Encode(t Toast) ([]byte, error) {
	if !t.Persisted() {
		return nil, fmt.Errorf("%w: toast has no id", ErrBadPayload)
	}
	return json.Marshal(wire{
		Author:   t.Author,
		AuthorID: t.AuthorID,
		Content:  t.Content,
		Time:     Normalize(t.Time).Format(time.RFC3339Nano),
		ID:       t.ID,
	})
}

// Decode parses a wire payload. JSON objects are preferred; anything else is
// read as a YAML mapping (legacy publishers). The returned toast has no HTML.
func Decode(b []byte) (Toast, error) {
	var w wire
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return Toast{}, fmt.Errorf("%w: empty", ErrBadPayload)
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return Toast{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	} else if err := yaml.Unmarshal(trimmed, &w); err != nil {
		return Toast{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	if w.ID == 0 {
		return Toast{}, fmt.Errorf("%w: missing id", ErrBadPayload)
	}
	ts, err := ParseTime(w.Time)
	if err != nil {
		return Toast{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return Toast{
		Author:   w.Author,
		AuthorID: w.AuthorID,
		Content:  w.Content,
		Time:     ts,
		ID:       w.ID,
	}, nil
}
