package store

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps records in process. Ids come from a counter.
type Memory struct {
	kind string

	mu      sync.Mutex
	counter int64
	records []Record
}

func NewMemory(kind string) *Memory {
	if kind == "" {
		kind = DefaultKind
	}
	return &Memory{kind: kind}
}

func (m *Memory) Put(ctx context.Context, r Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, transient("put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	r.ID = m.counter
	r.Kind = m.kind
	m.records = append(m.records, r)
	return r.ID, nil
}

func (m *Memory) Recent(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
