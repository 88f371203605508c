package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"wafleet/internal/tenant"
	logx "wafleet/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// One lock per (tenant, kind): serializes load->mutate->save cycles
	// without cross-tenant contention.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open initializes the SQLite-backed document store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, locks: map[string]*sync.Mutex{}}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) lockFor(t tenant.Key, kind Kind) *sync.Mutex {
	key := t.String() + "\x00" + string(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *sqliteStore) Get(ctx context.Context, t tenant.Key, kind Kind) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE tenant = ? AND kind = ?`,
		t.String(), string(kind),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *sqliteStore) Update(ctx context.Context, t tenant.Key, kind Kind, fn func(doc []byte) ([]byte, error)) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	l := s.lockFor(t, kind)
	l.Lock()
	defer l.Unlock()

	doc, _, err := s.Get(ctx, t, kind)
	if err != nil {
		return err
	}
	next, err := fn(doc)
	if err != nil {
		return err
	}
	if next == nil {
		// fn declined to change anything.
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents(tenant, kind, doc, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(tenant, kind) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		t.String(), string(kind), next, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Tenants(ctx context.Context, kind Kind) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant FROM documents WHERE kind = ? ORDER BY tenant`,
		string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
