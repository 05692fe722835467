// Package postgres implements store.Store on PostgreSQL via the pgx stdlib
// driver.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/ward/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS unit_events(
			id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
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
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) RecordEvent(ctx context.Context, ev store.Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO unit_events(occurred_at, unit, kind, pid, exit_code, detail)
		VALUES($1,$2,$3,$4,$5,$6)`,
		ev.OccurredAt.UTC(), ev.Unit, ev.Kind, ev.PID, ev.ExitCode, ev.Detail)
	return err
}

func (p *DB) Events(ctx context.Context, unit string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if unit != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT occurred_at, unit, kind, pid, exit_code, detail
			FROM unit_events WHERE unit = $1 ORDER BY id DESC LIMIT $2`, unit, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT occurred_at, unit, kind, pid, exit_code, detail
			FROM unit_events ORDER BY id DESC LIMIT $1`, limit)
	}
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

func (p *DB) Close() error { return p.db.Close() }
