package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	unitStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ward",
			Subsystem: "unit",
			Name:      "starts_total",
			Help:      "Number of successful unit launches.",
		}, []string{"unit"},
	)
	unitRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ward",
			Subsystem: "unit",
			Name:      "restarts_total",
			Help:      "Number of policy-driven relaunches.",
		}, []string{"unit"},
	)
	unitStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ward",
			Subsystem: "unit",
			Name:      "stops_total",
			Help:      "Number of unit exits (clean or otherwise).",
		}, []string{"unit"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ward",
			Subsystem: "unit",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between unit states.",
		}, []string{"unit", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ward",
			Subsystem: "unit",
			Name:      "current_state",
			Help:      "Current state of units (1 = active state, 0 = inactive).",
		}, []string{"unit", "state"},
	)
	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ward",
			Subsystem: "readiness",
			Name:      "probe_attempts_total",
			Help:      "Readiness probe attempts by check name and outcome.",
		}, []string{"check", "outcome"},
	)
	droppedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ward",
			Subsystem: "logstream",
			Name:      "dropped_lines_total",
			Help:      "Log lines dropped because a subscriber buffer was full.",
		}, []string{"unit"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		unitStarts, unitRestarts, unitStops,
		stateTransitions, currentState,
		probeAttempts, droppedLines,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(unit string)   { unitStarts.WithLabelValues(unit).Inc() }
func IncRestart(unit string) { unitRestarts.WithLabelValues(unit).Inc() }
func IncStop(unit string)    { unitStops.WithLabelValues(unit).Inc() }

func IncProbeAttempt(check, outcome string) {
	probeAttempts.WithLabelValues(check, outcome).Inc()
}

func IncDroppedLines(unit string, n int) {
	droppedLines.WithLabelValues(unit).Add(float64(n))
}

// SetState records a transition and keeps the per-state gauges consistent.
// from may be empty for the initial transition into pending.
func SetState(unit, from, to string) {
	if from != "" {
		stateTransitions.WithLabelValues(unit, from, to).Inc()
		currentState.WithLabelValues(unit, from).Set(0)
	}
	currentState.WithLabelValues(unit, to).Set(1)
}
