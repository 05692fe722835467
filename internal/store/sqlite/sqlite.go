// Package sqlite implements store.Store on modernc.org/sqlite (CGO-free).
// The DSN is a filesystem path; ":memory:" works for tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/ward/internal/store"
)

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS unit_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			unit TEXT NOT NULL,
			kind TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_unit_events_unit ON unit_events(unit);`,
		`CREATE INDEX IF NOT EXISTS idx_unit_events_occurred ON unit_events(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) RecordEvent(ctx context.Context, ev store.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unit_events(occurred_at, unit, kind, pid, exit_code, detail)
		VALUES(?,?,?,?,?,?)`,
		ev.OccurredAt.UTC(), ev.Unit, ev.Kind, ev.PID, ev.ExitCode, ev.Detail)
	return err
}

func (s *DB) Events(ctx context.Context, unit string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT occurred_at, unit, kind, pid, exit_code, detail
		FROM unit_events`
	args := []any{}
	if unit != "" {
		q += ` WHERE unit = ?`
		args = append(args, unit)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Event
	for rows.Next() {
		var ev store.Event
		if err := rows.Scan(&ev.OccurredAt, &ev.Unit, &ev.Kind, &ev.PID, &ev.ExitCode, &ev.Detail); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }
