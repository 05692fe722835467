package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/ward/internal/store"
	pg "github.com/loykin/ward/internal/store/postgres"
	sq "github.com/loykin/ward/internal/store/sqlite"
)

// New selects a backend by explicit type, falling back to DSN sniffing
// when typ is empty.
func New(typ, dsn string) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "":
		return NewFromDSN(dsn)
	case "sqlite":
		return sq.New(strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://"))
	case "postgres", "postgresql":
		return pg.New(dsn)
	default:
		return nil, fmt.Errorf("unknown store type %q", typ)
	}
}

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:  "sqlite://<path>" or a bare filepath (treated as sqlite)
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	// default to sqlite path
	return sq.New(d)
}
