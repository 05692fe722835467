// Package store persists unit lifecycle events so restarts and crashes can
// be inspected after the fact. Backends: sqlite (default) and postgres.
package store

import (
	"context"
	"database/sql"
	"time"
)

// Event kinds recorded in the journal.
const (
	EventStarted           = "started"
	EventStopped           = "stopped"
	EventFailed            = "failed"
	EventRestarting        = "restarting"
	EventLaunchFailed      = "launch_failed"
	EventDependencyTimeout = "dependency_timeout"
)

// Event is one row of the unit event journal.
type Event struct {
	OccurredAt time.Time
	Unit       string
	Kind       string
	PID        int
	ExitCode   sql.NullInt64
	Detail     sql.NullString
}

// Store is the persistence interface for the event journal.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordEvent(ctx context.Context, ev Event) error
	// Events returns the most recent events for a unit, newest first.
	// unit == "" returns events for all units.
	Events(ctx context.Context, unit string, limit int) ([]Event, error)
	Close() error
}
