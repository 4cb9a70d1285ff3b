package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"toastboard/internal/toast"
	logx "toastboard/pkg/logx"
)

var (
	// ErrBadRequest marks a transient write failure. Callers keep the record
	// and retry it later.
	ErrBadRequest = errors.New("store: bad request")
	ErrDisabled   = errors.New("store: disabled")
)

const DefaultKind = "toast"

// Config configures the durable store.
//
// Driver values:
//   - "memory": in-process, counter-assigned ids (dev mode)
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "pebble": Pebble LSM directory
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Kind        string
}

// Record is a persisted toast as the store sees it.
type Record struct {
	ID       int64
	Kind     string
	Author   string
	AuthorID int64
	Content  string
	Time     time.Time
}

// FromToast builds an unpersisted record.
func FromToast(t toast.Toast) Record {
	return Record{Author: t.Author, AuthorID: t.AuthorID, Content: t.Content, Time: toast.Normalize(t.Time), ID: t.ID}
}

// Toast converts r back; the caller adds the display rendering.
func (r Record) Toast() toast.Toast {
	return toast.Toast{Author: r.Author, AuthorID: r.AuthorID, Content: r.Content, Time: toast.Normalize(r.Time), ID: r.ID}
}

// Store is the durable toast store.
type Store interface {
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Put persists r and returns the assigned id.
	Put(ctx context.Context, r Record) (int64, error)
	Close() error
}

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.Kind) == "" {
		cfg.Kind = DefaultKind
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(cfg.Kind), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "pebble":
		return openPebble(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}

// transient wraps write-side driver errors as ErrBadRequest.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrBadRequest, op, err)
}
