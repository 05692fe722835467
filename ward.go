// Package ward is a local multi-process supervisor: it starts a static set
// of units (external programs), gates dependent units on readiness of what
// they need, restarts crashed units per policy, and aggregates all unit
// output into one labeled stream.
//
// This file is the embedding facade; the CLI in cmd/ward is a thin layer
// over the same API.
package ward

import (
	"context"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/ward/internal/config"
	"github.com/loykin/ward/internal/logger"
	"github.com/loykin/ward/internal/logstream"
	"github.com/loykin/ward/internal/metrics"
	"github.com/loykin/ward/internal/readiness"
	"github.com/loykin/ward/internal/server"
	"github.com/loykin/ward/internal/store"
	storefactory "github.com/loykin/ward/internal/store/factory"
	"github.com/loykin/ward/internal/supervisor"
	"github.com/loykin/ward/internal/unit"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Spec = unit.Spec

type State = unit.State

type RestartPolicy = unit.RestartPolicy

type ExitStatus = unit.ExitStatus

type Check = readiness.Check

type Line = logstream.Line

type Aggregator = logstream.Aggregator

type UnitStatus = supervisor.UnitStatus

type Result = supervisor.Result

type Config = supervisor.Config

type Option = supervisor.Option

type FileConfig = cfg.FileConfig

type Store = store.Store

const (
	RestartNever     = unit.RestartNever
	RestartAlways    = unit.RestartAlways
	RestartOnFailure = unit.RestartOnFailure
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

// New validates cfg and builds an idle supervisor.
func New(c Config, opts ...Option) (*Supervisor, error) {
	s, err := supervisor.New(c, opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Start(ctx context.Context)            { s.inner.Start(ctx) }
func (s *Supervisor) Shutdown() Result                     { return s.inner.Shutdown() }
func (s *Supervisor) Wait() Result                         { return s.inner.Wait() }
func (s *Supervisor) Healthy() bool                        { return s.inner.Healthy() }
func (s *Supervisor) Status(id string) (UnitStatus, error) { return s.inner.Status(id) }
func (s *Supervisor) StatusAll() []UnitStatus              { return s.inner.StatusAll() }
func (s *Supervisor) Aggregator() *Aggregator              { return s.inner.Aggregator() }

// WithAggregator shares an existing aggregator with the supervisor.
func WithAggregator(a *Aggregator) Option { return supervisor.WithAggregator(a) }

// WithStore records lifecycle events to a journal.
func WithStore(st Store) Option { return supervisor.WithStore(st) }

// IsConfigError reports whether err describes an invalid unit graph.
func IsConfigError(err error) bool { return supervisor.IsConfigError(err) }

// NewAggregator creates a log aggregator keeping the last replay lines.
func NewAggregator(replay int) *Aggregator { return logstream.NewAggregator(replay) }

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// NewStore opens a lifecycle event journal. typ selects the backend
// ("sqlite" or "postgres"); when empty it is inferred from the DSN
// (postgres URL vs sqlite path).
func NewStore(typ, dsn string) (Store, error) { return storefactory.New(typ, dsn) }

// WaitUntilReady polls a readiness check until ready, timeout, or ctx end.
func WaitUntilReady(ctx context.Context, c Check) error {
	return readiness.WaitUntilReady(ctx, c)
}

// NewHTTPHandler returns the observability surface (health, status, logs,
// metrics) for mounting into any mux.
func NewHTTPHandler(s *Supervisor, basePath string) http.Handler {
	return server.NewRouter(s.inner, basePath).Handler()
}

// NewHTTPServer starts the standalone observability server on addr.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return server.NewServer(addr, basePath, s.inner)
}

// RegisterMetrics registers ward's Prometheus collectors.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// SetupLogging installs the supervisor's slog default logger.
func SetupLogging(level, file string) error { return logger.Setup(level, file) }

// RunSink copies the aggregated stream to w until ctx is canceled.
func RunSink(ctx context.Context, a *Aggregator, w io.Writer, buffer int) {
	logstream.RunSink(ctx, a, w, buffer)
}

// StartFileSinks attaches per-unit rotated log files (per each unit's Log
// config) to the aggregator. The sinks stop when ctx is canceled.
func StartFileSinks(ctx context.Context, a *Aggregator, units []Spec) {
	for _, sp := range units {
		outW, errW := sp.Log.Writers(sp.ID)
		if outW != nil {
			go logstream.RunUnitSink(ctx, a, sp.ID, logstream.StreamStdout, outW, 0)
		}
		if errW != nil {
			go logstream.RunUnitSink(ctx, a, sp.ID, logstream.StreamStderr, errW, 0)
		}
	}
}
