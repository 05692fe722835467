package readiness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/ward/internal/metrics"
)

// ErrTimedOut is returned when a check's deadline elapsed without a single
// successful probe.
var ErrTimedOut = errors.New("readiness: timed out waiting for dependency")

const (
	// DefaultInterval applies when a check does not set one.
	DefaultInterval = 1 * time.Second
	// minAttemptTimeout floors the per-attempt bound so a dependency that
	// answers slower than a short poll interval can still report ready.
	minAttemptTimeout = 5 * time.Second
	// logEvery throttles the "still waiting" line: the first failure is
	// always logged, then every logEvery-th attempt.
	logEvery = 5
)

// WaitUntilReady polls check until one attempt succeeds, the deadline
// elapses (ErrTimedOut), or ctx is canceled. Any transport, auth, or query
// failure counts as "not ready yet". With Timeout == 0 the wait is
// unbounded apart from ctx.
func WaitUntilReady(ctx context.Context, check Check) error {
	interval := check.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	attemptTimeout := interval
	if attemptTimeout < minAttemptTimeout {
		attemptTimeout = minAttemptTimeout
	}
	var deadline time.Time
	if check.Timeout > 0 {
		deadline = time.Now().Add(check.Timeout)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		// Bound each attempt so a hung dependency cannot stall the wait,
		// but never tighter than minAttemptTimeout. The check's own
		// deadline still caps the last attempt.
		bound := attemptTimeout
		if !deadline.IsZero() {
			if rem := time.Until(deadline); rem < bound {
				bound = rem
			}
			if bound <= 0 {
				bound = time.Millisecond
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, bound)
		err := check.probe(attemptCtx)
		cancel()
		if err == nil {
			metrics.IncProbeAttempt(check.Name, "ready")
			slog.Info("Dependency ready", "check", check.Name, "attempts", attempt)
			return nil
		}
		metrics.IncProbeAttempt(check.Name, "not_ready")
		if attempt == 1 || attempt%logEvery == 0 {
			slog.Info("Waiting for dependency", "check", check.Name, "attempt", attempt, "error", err)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			slog.Warn("Dependency wait timed out", "check", check.Name, "attempts", attempt, "timeout", check.Timeout)
			return ErrTimedOut
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
