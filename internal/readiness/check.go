package readiness

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Check describes one external dependency and how to ask it whether it is
// ready. A check is stateless configuration; it is evaluated repeatedly by
// WaitUntilReady. Timeout == 0 means wait indefinitely, which mirrors the
// classic "poll until the database answers" entrypoint loop; set a timeout
// to get a DependencyTimeout instead.
type Check struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"` // postgres | tcp | http | command

	// Target parameters; which ones apply depends on Type.
	DSN     string `mapstructure:"dsn"`     // postgres
	Query   string `mapstructure:"query"`   // postgres, default SELECT 1
	Addr    string `mapstructure:"addr"`    // tcp, host:port
	URL     string `mapstructure:"url"`     // http
	Command string `mapstructure:"command"` // command, run via shell

	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

const (
	TypePostgres = "postgres"
	TypeTCP      = "tcp"
	TypeHTTP     = "http"
	TypeCommand  = "command"
)

// Validate reports configuration problems before any probing happens.
func (c Check) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("readiness check requires a name")
	}
	switch c.Type {
	case TypePostgres:
		if c.DSN == "" {
			return fmt.Errorf("check %q: postgres check requires dsn", c.Name)
		}
	case TypeTCP:
		if c.Addr == "" {
			return fmt.Errorf("check %q: tcp check requires addr", c.Name)
		}
	case TypeHTTP:
		if c.URL == "" {
			return fmt.Errorf("check %q: http check requires url", c.Name)
		}
	case TypeCommand:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("check %q: command check requires a command", c.Name)
		}
	default:
		return fmt.Errorf("check %q: unknown type %q", c.Name, c.Type)
	}
	if c.Interval < 0 || c.Timeout < 0 {
		return fmt.Errorf("check %q: negative interval or timeout", c.Name)
	}
	return nil
}

// probe performs one attempt. Every attempt acquires and releases its own
// connection/resources so nothing leaks across the retry loop.
func (c Check) probe(ctx context.Context) error {
	switch c.Type {
	case TypePostgres:
		return c.probePostgres(ctx)
	case TypeTCP:
		return c.probeTCP(ctx)
	case TypeHTTP:
		return c.probeHTTP(ctx)
	case TypeCommand:
		return c.probeCommand(ctx)
	default:
		return fmt.Errorf("unknown check type %q", c.Type)
	}
}

func (c Check) probePostgres(ctx context.Context) error {
	db, err := sql.Open("pgx", c.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	q := c.Query
	if strings.TrimSpace(q) == "" {
		q = "SELECT 1"
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	return rows.Err()
}

func (c Check) probeTCP(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c Check) probeHTTP(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c Check) probeCommand(ctx context.Context) error {
	return shellCommandContext(ctx, c.Command).Run()
}
