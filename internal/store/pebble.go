package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	logx "toastboard/pkg/logx"
)

// pebbleStore keys records by time so Recent is a reverse prefix scan:
//
//	t/<kind>/<time_ns big-endian>/<id big-endian> -> JSON record
//	seq/<kind>                                    -> last id
type pebbleStore struct {
	db   *pebble.DB
	kind string
	log  logx.Logger

	// seqMu serializes id allocation with the batch that uses it.
	seqMu sync.Mutex
	seq   int64
}

type pebbleValue struct {
	Author   string `json:"author"`
	AuthorID int64  `json:"author_id"`
	Content  string `json:"content"`
}

func openPebble(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("pebble path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}

	s := &pebbleStore{db: db, kind: cfg.Kind, log: log}
	v, closer, err := db.Get(s.seqKey())
	switch {
	case err == nil:
		if len(v) == 8 {
			s.seq = int64(binary.BigEndian.Uint64(v))
		}
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		_ = db.Close()
		return nil, fmt.Errorf("pebble read seq: %w", err)
	}
	log.Debug("pebble store opened", logx.String("path", dir), logx.Int64("seq", s.seq))
	return s, nil
}

func (s *pebbleStore) seqKey() []byte { return []byte("seq/" + s.kind) }

func (s *pebbleStore) prefix() []byte { return []byte("t/" + s.kind + "/") }

func (s *pebbleStore) recordKey(ns int64, id int64) []byte {
	p := s.prefix()
	k := make([]byte, len(p)+16)
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], uint64(ns))
	binary.BigEndian.PutUint64(k[len(p)+8:], uint64(id))
	return k
}

func (s *pebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *pebbleStore) Put(ctx context.Context, r Record) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return 0, transient("put", err)
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	val, err := json.Marshal(pebbleValue{Author: r.Author, AuthorID: r.AuthorID, Content: r.Content})
	if err != nil {
		return 0, err
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	id := s.seq + 1
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(id))

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(s.recordKey(r.Time.UTC().UnixNano(), id), val, nil); err != nil {
		return 0, transient("set record", err)
	}
	if err := batch.Set(s.seqKey(), seqBuf[:], nil); err != nil {
		return 0, transient("set seq", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, transient("commit", err)
	}
	s.seq = id
	return id, nil
}

func (s *pebbleStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	lo := s.prefix()
	hi := append(append([]byte{}, lo...), 0xFF)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	out := make([]Record, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := iter.Key()
		if len(k) != len(lo)+16 {
			continue
		}
		var v pebbleValue
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			s.log.Warn("pebble record undecodable", logx.Err(err))
			continue
		}
		ns := int64(binary.BigEndian.Uint64(k[len(lo):]))
		out = append(out, Record{
			ID:       int64(binary.BigEndian.Uint64(k[len(lo)+8:])),
			Kind:     s.kind,
			Author:   v.Author,
			AuthorID: v.AuthorID,
			Content:  v.Content,
			Time:     time.Unix(0, ns).UTC(),
		})
	}
	return out, iter.Error()
}
