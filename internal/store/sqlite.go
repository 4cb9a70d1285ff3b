package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "toastboard/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db   *sql.DB
	kind string
	log  logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.String("kind", cfg.Kind))
	return &sqliteStore{db: db, kind: cfg.Kind, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, r Record) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO toasts(kind, author, author_id, content, time_ns) VALUES(?,?,?,?,?)`,
		s.kind, r.Author, r.AuthorID, r.Content, r.Time.UTC().UnixNano(),
	)
	if err != nil {
		return 0, transient("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, transient("last insert id", err)
	}
	return id, nil
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, author_id, content, time_ns FROM toasts
		 WHERE kind = ? ORDER BY time_ns DESC, id DESC LIMIT ?`,
		s.kind, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r  Record
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.Author, &r.AuthorID, &r.Content, &ns); err != nil {
			return nil, err
		}
		r.Kind = s.kind
		r.Time = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
