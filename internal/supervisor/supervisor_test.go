package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/ward/internal/logstream"
	"github.com/loykin/ward/internal/readiness"
	"github.com/loykin/ward/internal/unit"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitState(t *testing.T, s *Supervisor, id string, want unit.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := s.Status(id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if st.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := s.Status(id)
	t.Fatalf("unit %s state = %s, want %s", id, st.State, want)
}

func waitRestarts(t *testing.T, s *Supervisor, id string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, _ := s.Status(id)
		if st.Restarts >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := s.Status(id)
	t.Fatalf("unit %s restarts = %d, want >= %d", id, st.Restarts, want)
}

func TestNewRejectsInvalidGraph(t *testing.T) {
	_, err := New(Config{Units: []unit.Spec{
		{ID: "a", Command: "sleep 1", DependsOn: "b"},
		{ID: "b", Command: "sleep 1", DependsOn: "a"},
	}})
	if !IsConfigError(err) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestUngatedUnitsStartImmediately(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{Units: []unit.Spec{
		{ID: "one", Command: "sleep 5", Restart: unit.RestartAlways},
		{ID: "two", Command: "sleep 5", Restart: unit.RestartAlways},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "one", unit.StateRunning, 2*time.Second)
	waitState(t, s, "two", unit.StateRunning, 2*time.Second)
	if !s.Healthy() {
		t.Fatal("supervisor not healthy with all units running")
	}
	st, _ := s.Status("one")
	if st.PID <= 0 || st.StartedAt.IsZero() {
		t.Fatalf("running snapshot incomplete: %+v", st)
	}
}

func TestUnitGateDefersStartUntilDependencyRuns(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "db-started")
	s, err := New(Config{Units: []unit.Spec{
		// db takes a moment before it is launched at all; app must not
		// observe a world where it runs while db never entered running.
		{ID: "db", Command: fmt.Sprintf("sh -c 'touch %s; sleep 10'", marker)},
		{ID: "app", Command: "sleep 10", DependsOn: "db"},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "app", unit.StateRunning, 2*time.Second)
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("app running but db never launched")
		}
		time.Sleep(10 * time.Millisecond)
	}
	dbSt, _ := s.Status("db")
	if dbSt.State != unit.StateRunning {
		t.Fatalf("db state = %s", dbSt.State)
	}
}

func TestCheckGateDefersStartUntilReady(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	s, err := New(Config{
		Checks: []readiness.Check{{
			Name:     "file-ready",
			Type:     readiness.TypeCommand,
			Command:  "test -f " + ready,
			Interval: 20 * time.Millisecond,
		}},
		Units: []unit.Spec{
			{ID: "app", Command: "sleep 10", DependsOn: "file-ready"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "app", unit.StateWaitingDep, 2*time.Second)
	time.Sleep(100 * time.Millisecond)
	if st, _ := s.Status("app"); st.State != unit.StateWaitingDep {
		t.Fatalf("app left waiting state before check passed: %s", st.State)
	}

	if err := os.WriteFile(ready, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, "app", unit.StateRunning, 2*time.Second)
}

func TestCheckGateTimeoutFailsUnitAndCascades(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{
		Checks: []readiness.Check{{
			Name:     "never-ready",
			Type:     readiness.TypeCommand,
			Command:  "false",
			Interval: 20 * time.Millisecond,
			Timeout:  100 * time.Millisecond,
		}},
		Units: []unit.Spec{
			{ID: "app", Command: "sleep 10", DependsOn: "never-ready"},
			{ID: "proxy", Command: "sleep 10", DependsOn: "app"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "app", unit.StateFailed, 3*time.Second)
	waitState(t, s, "proxy", unit.StateFailed, time.Second)
	if s.Healthy() {
		t.Fatal("supervisor healthy with failed units")
	}
}

func TestRestartAlwaysWithBackoff(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{Units: []unit.Spec{{
		ID:             "flappy",
		Command:        "sh -c 'exit 0'",
		Restart:        unit.RestartAlways,
		BackoffInitial: 10 * time.Millisecond,
		BackoffCap:     250 * time.Millisecond,
	}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := s.Aggregator().Subscribe(256)
	defer sub.Close()
	s.Start(context.Background())
	defer s.Shutdown()

	waitRestarts(t, s, "flappy", 5, 5*time.Second)

	// Announced delays must be non-decreasing and capped.
	var delays []time.Duration
	deadline := time.After(time.Second)
collect:
	for len(delays) < 5 {
		select {
		case ln := <-sub.Lines():
			if ln.Stream != logstream.StreamSystem {
				continue
			}
			if rest, ok := strings.CutPrefix(ln.Text, "restarting in "); ok {
				d, err := time.ParseDuration(rest)
				if err != nil {
					t.Fatalf("unparseable delay %q: %v", rest, err)
				}
				delays = append(delays, d)
			}
		case <-deadline:
			break collect
		}
	}
	if len(delays) < 3 {
		t.Fatalf("collected only %d restart announcements", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("backoff decreased: %v", delays)
		}
		if delays[i] > 250*time.Millisecond {
			t.Fatalf("backoff exceeded cap: %v", delays)
		}
	}
}

func TestBackoffResetsAfterStableRun(t *testing.T) {
	requireUnix(t)
	// Each run lasts well past the cap, so every announced delay must be
	// the initial one rather than the accumulated maximum.
	s, err := New(Config{Units: []unit.Spec{{
		ID:             "steady",
		Command:        "sh -c 'sleep 0.1; exit 1'",
		Restart:        unit.RestartAlways,
		BackoffInitial: 10 * time.Millisecond,
		BackoffCap:     40 * time.Millisecond,
	}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := s.Aggregator().Subscribe(256)
	defer sub.Close()
	s.Start(context.Background())
	defer s.Shutdown()

	waitRestarts(t, s, "steady", 3, 5*time.Second)

	var delays []time.Duration
	deadline := time.After(time.Second)
collect:
	for len(delays) < 3 {
		select {
		case ln := <-sub.Lines():
			if ln.Stream != logstream.StreamSystem {
				continue
			}
			if rest, ok := strings.CutPrefix(ln.Text, "restarting in "); ok {
				d, err := time.ParseDuration(rest)
				if err != nil {
					t.Fatalf("unparseable delay %q: %v", rest, err)
				}
				delays = append(delays, d)
			}
		case <-deadline:
			break collect
		}
	}
	if len(delays) < 2 {
		t.Fatalf("collected only %d restart announcements", len(delays))
	}
	for _, d := range delays {
		if d != 10*time.Millisecond {
			t.Fatalf("delay after stable run = %v, want initial 10ms (all: %v)", d, delays)
		}
	}
}

func TestShutdownBeforeStartReturnsZeroResult(t *testing.T) {
	s, err := New(Config{Units: []unit.Spec{
		{ID: "idle", Command: "sleep 1"},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := s.Shutdown()
	if res.Degraded || len(res.Forced) != 0 {
		t.Fatalf("Shutdown before Start = %+v, want zero result", res)
	}
	done := make(chan Result, 1)
	go func() { done <- s.Wait() }()
	select {
	case res := <-done:
		if res.Degraded {
			t.Fatalf("Wait before Start = %+v, want zero result", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a supervisor that was never started")
	}
}

func TestRestartOnFailureIgnoresCleanExit(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{Units: []unit.Spec{
		{ID: "clean", Command: "sh -c 'exit 0'", Restart: unit.RestartOnFailure,
			BackoffInitial: 10 * time.Millisecond},
		{ID: "dirty", Command: "sh -c 'exit 3'", Restart: unit.RestartOnFailure,
			BackoffInitial: 10 * time.Millisecond},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "clean", unit.StateStopped, 2*time.Second)
	waitRestarts(t, s, "dirty", 2, 3*time.Second)
	if st, _ := s.Status("clean"); st.Restarts != 0 {
		t.Fatalf("clean unit restarted %d times", st.Restarts)
	}
}

func TestRestartNeverLeavesUnitTerminal(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{Units: []unit.Spec{
		{ID: "oneshot", Command: "sh -c 'exit 0'", Restart: unit.RestartNever},
		{ID: "broken", Command: "sh -c 'exit 9'", Restart: unit.RestartNever},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "oneshot", unit.StateStopped, 2*time.Second)
	waitState(t, s, "broken", unit.StateFailed, 2*time.Second)
	time.Sleep(100 * time.Millisecond)
	if st, _ := s.Status("oneshot"); st.Restarts != 0 {
		t.Fatalf("never-restart unit restarted %d times", st.Restarts)
	}
	if st, _ := s.Status("broken"); st.LastExit != "exit 9" {
		t.Fatalf("last exit = %q", st.LastExit)
	}
	// Terminal "never" units do not make the supervisor unhealthy.
	if !s.Healthy() {
		t.Fatal("supervisor unhealthy because of terminal never-restart units")
	}
}

func TestRestartMaxGivesUp(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{Units: []unit.Spec{{
		ID:             "doomed",
		Command:        "sh -c 'exit 1'",
		Restart:        unit.RestartAlways,
		RestartMax:     3,
		BackoffInitial: 10 * time.Millisecond,
		BackoffCap:     20 * time.Millisecond,
	}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "doomed", unit.StateFailed, 3*time.Second)
	time.Sleep(200 * time.Millisecond)
	st, _ := s.Status("doomed")
	if st.Restarts != 3 {
		t.Fatalf("restarts = %d, want exactly 3", st.Restarts)
	}
	if st.State != unit.StateFailed {
		t.Fatalf("state = %s after giving up", st.State)
	}
}

func TestLaunchFailureFollowsRestartPolicy(t *testing.T) {
	s, err := New(Config{Units: []unit.Spec{{
		ID:             "ghost",
		Command:        "/nonexistent/definitely-not-here",
		Restart:        unit.RestartAlways,
		RestartMax:     2,
		BackoffInitial: 10 * time.Millisecond,
	}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()

	waitState(t, s, "ghost", unit.StateFailed, 3*time.Second)
	waitRestarts(t, s, "ghost", 2, 3*time.Second)
}

func TestShutdownStopsInReverseStartOrder(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	trace := filepath.Join(dir, "trace")
	mk := func(name string) string {
		// Append the unit name on TERM, then exit.
		return fmt.Sprintf("sh -c 'trap \"echo %s >> %s; exit 0\" TERM; while true; do sleep 0.05; done'", name, trace)
	}
	s, err := New(Config{
		ShutdownTimeout: 5 * time.Second,
		Units: []unit.Spec{
			{ID: "db", Command: mk("db"), StopGrace: 2 * time.Second},
			{ID: "app", Command: mk("app"), DependsOn: "db", StopGrace: 2 * time.Second},
			{ID: "proxy", Command: mk("proxy"), DependsOn: "app", StopGrace: 2 * time.Second},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	waitState(t, s, "proxy", unit.StateRunning, 3*time.Second)
	time.Sleep(100 * time.Millisecond) // let the traps install

	res := s.Shutdown()
	if res.Degraded {
		t.Fatalf("degraded shutdown: forced=%v", res.Forced)
	}
	b, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("trace not written: %v", err)
	}
	if got, want := string(b), "proxy\napp\ndb\n"; got != want {
		t.Fatalf("stop order = %q, want %q", got, want)
	}
	for _, id := range []string{"db", "app", "proxy"} {
		if st, _ := s.Status(id); st.State != unit.StateStopped {
			t.Fatalf("unit %s state = %s after shutdown", id, st.State)
		}
	}
}

func TestShutdownDegradedWhenUnitIgnoresTerm(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{
		ShutdownTimeout: 2 * time.Second,
		Units: []unit.Spec{{
			ID:        "stubborn",
			Command:   `sh -c 'trap "" TERM; while true; do sleep 0.1; done'`,
			StopGrace: 200 * time.Millisecond,
		}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	waitState(t, s, "stubborn", unit.StateRunning, 2*time.Second)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	res := s.Shutdown()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}
	if !res.Degraded || len(res.Forced) != 1 || res.Forced[0] != "stubborn" {
		t.Fatalf("result = %+v, want degraded with stubborn forced", res)
	}
	if st, _ := s.Status("stubborn"); st.State != unit.StateFailed {
		t.Fatalf("forced unit state = %s", st.State)
	}
}

func TestShutdownBeforeGatedUnitStarted(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{
		Checks: []readiness.Check{{
			Name:     "slow",
			Type:     readiness.TypeCommand,
			Command:  "false",
			Interval: 50 * time.Millisecond,
		}},
		Units: []unit.Spec{
			{ID: "waiter", Command: "sleep 10", DependsOn: "slow"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	waitState(t, s, "waiter", unit.StateWaitingDep, 2*time.Second)

	res := s.Shutdown()
	if res.Degraded {
		t.Fatalf("degraded: %+v", res)
	}
	if st, _ := s.Status("waiter"); st.State != unit.StateStopped {
		t.Fatalf("waiter state = %s, want stopped", st.State)
	}
}

func TestSystemLinesAppearInAggregator(t *testing.T) {
	requireUnix(t)
	agg := logstream.NewAggregator(64)
	s, err := New(Config{Units: []unit.Spec{
		{ID: "brief", Command: "sh -c 'exit 0'", Restart: unit.RestartNever},
	}}, WithAggregator(agg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	defer s.Shutdown()
	waitState(t, s, "brief", unit.StateStopped, 2*time.Second)

	found := false
	for _, ln := range agg.Replay(64) {
		if ln.Unit == "brief" && ln.Stream == logstream.StreamSystem && ln.Text == "exited cleanly" {
			found = true
		}
	}
	if !found {
		t.Fatal("no system line about the clean exit")
	}
}
