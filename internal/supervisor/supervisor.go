package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/ward/internal/logstream"
	"github.com/loykin/ward/internal/metrics"
	"github.com/loykin/ward/internal/readiness"
	"github.com/loykin/ward/internal/store"
	"github.com/loykin/ward/internal/unit"
)

// DefaultShutdownTimeout bounds the whole ordered shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Config is the static unit set a Supervisor runs.
type Config struct {
	Units           []unit.Spec
	Checks          []readiness.Check
	ShutdownTimeout time.Duration
}

// Result is the outcome of a shutdown. Degraded means at least one unit
// had to be force-terminated instead of exiting within its grace period.
type Result struct {
	Degraded bool
	Forced   []string
}

// runningUnit is the supervisor-owned runtime state of one unit. It is
// mutated only by the control loop (all mutation happens under mu because
// Status/Healthy read concurrently).
type runningUnit struct {
	spec     unit.Spec
	state    unit.State
	u        *unit.Unit
	restarts int
	backoff  time.Duration
	lastExit *unit.ExitStatus
	gate     gate
	started  bool // ever entered starting (member of start order)
}

type eventKind int

const (
	evExited eventKind = iota
	evGateReady
	evGateFailed
	evRestartDue
)

type event struct {
	kind eventKind
	id   string
	exit unit.ExitStatus
	err  error
}

// Supervisor owns a set of units, gates their startup on declared
// dependencies, applies restart policies, and stops everything in reverse
// start order on shutdown. All unit state transitions are serialized
// through a single control loop.
type Supervisor struct {
	cfg   Config
	agg   *logstream.Aggregator
	st    store.Store
	gates map[string]gate

	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	mu     sync.RWMutex
	units  map[string]*runningUnit
	order  []string // ids in the order they first entered starting
	result Result

	stopping bool
	done     chan struct{}
	startOn  sync.Once
}

// Option configures optional collaborators.
type Option func(*Supervisor)

// WithAggregator shares an existing log aggregator (e.g. one the embedding
// application also subscribes to).
func WithAggregator(a *logstream.Aggregator) Option {
	return func(s *Supervisor) { s.agg = a }
}

// WithStore records lifecycle events to a journal.
func WithStore(st store.Store) Option {
	return func(s *Supervisor) { s.st = st }
}

// New validates cfg and builds an idle supervisor. Duplicate ids, unknown
// depends_on references, and dependency cycles are rejected here as
// ConfigError, before any unit starts.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	for i := range cfg.Units {
		cfg.Units[i].Normalize()
	}
	gates, err := resolveGraph(cfg.Units, cfg.Checks)
	if err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Supervisor{
		cfg:    cfg,
		gates:  gates,
		units:  make(map[string]*runningUnit, len(cfg.Units)),
		events: make(chan event, 4*len(cfg.Units)+16),
		done:   make(chan struct{}),
	}
	for _, sp := range cfg.Units {
		s.units[sp.ID] = &runningUnit{spec: sp, state: unit.StatePending, gate: gates[sp.ID]}
		metrics.SetState(sp.ID, "", string(unit.StatePending))
	}
	for _, o := range opts {
		o(s)
	}
	if s.agg == nil {
		s.agg = logstream.NewAggregator(1024)
	}
	return s, nil
}

// Aggregator returns the log aggregator units publish into.
func (s *Supervisor) Aggregator() *logstream.Aggregator { return s.agg }

// Start launches the control loop. ctx cancellation triggers the same
// ordered shutdown as Shutdown.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOn.Do(func() {
		s.mu.Lock()
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.mu.Unlock()
		go s.run()
	})
}

// Shutdown requests the ordered stop and waits for it to finish. On a
// supervisor that was never started there is nothing to stop and the zero
// Result is returned immediately.
func (s *Supervisor) Shutdown() Result {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return Result{}
	}
	cancel()
	return s.Wait()
}

// Wait blocks until the supervisor has finished shutting down. Like
// Shutdown it returns the zero Result when Start was never called.
func (s *Supervisor) Wait() Result {
	s.mu.RLock()
	started := s.cancel != nil
	s.mu.RUnlock()
	if !started {
		return Result{}
	}
	<-s.done
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Healthy is true only when every unit whose restart policy is not "never"
// is currently running.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ru := range s.units {
		if ru.spec.Restart == unit.RestartNever {
			continue
		}
		if ru.state != unit.StateRunning {
			return false
		}
	}
	return true
}

// UnitStatus is an externally consumable snapshot of one unit.
type UnitStatus struct {
	ID        string     `json:"id"`
	State     unit.State `json:"state"`
	PID       int        `json:"pid,omitempty"`
	Restarts  int        `json:"restarts"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	LastExit  string     `json:"last_exit,omitempty"`
	DependsOn string     `json:"depends_on,omitempty"`
}

// Status returns the snapshot for one unit.
func (s *Supervisor) Status(id string) (UnitStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ru, ok := s.units[id]
	if !ok {
		return UnitStatus{}, fmt.Errorf("unknown unit: %s", id)
	}
	return snapshot(ru), nil
}

// StatusAll returns snapshots for every unit in config order.
func (s *Supervisor) StatusAll() []UnitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UnitStatus, 0, len(s.cfg.Units))
	for _, sp := range s.cfg.Units {
		out = append(out, snapshot(s.units[sp.ID]))
	}
	return out
}

func snapshot(ru *runningUnit) UnitStatus {
	st := UnitStatus{
		ID:        ru.spec.ID,
		State:     ru.state,
		Restarts:  ru.restarts,
		DependsOn: ru.spec.DependsOn,
	}
	if ru.u != nil {
		st.PID = ru.u.PID()
		st.StartedAt = ru.u.StartedAt()
	}
	if ru.lastExit != nil {
		st.LastExit = ru.lastExit.String()
	}
	return st
}

// --- control loop ---

func (s *Supervisor) run() {
	defer close(s.done)

	s.mu.Lock()
	for _, sp := range s.cfg.Units {
		ru := s.units[sp.ID]
		if ru.gate.unitID == "" && ru.gate.check == nil {
			s.startUnit(ru)
			continue
		}
		s.setState(ru, unit.StateWaitingDep)
		if ru.gate.check != nil {
			go s.probeGate(sp.ID, *ru.gate.check)
		}
	}
	s.mu.Unlock()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.mu.Lock()
			switch ev.kind {
			case evExited:
				s.onExit(ev.id, ev.exit)
			case evGateReady:
				s.onGateReady(ev.id)
			case evGateFailed:
				s.onGateFailed(ev.id, ev.err)
			case evRestartDue:
				s.onRestartDue(ev.id)
			}
			s.mu.Unlock()
		}
	}
}

// setState applies a transition and keeps metrics in sync. Callers hold mu.
func (s *Supervisor) setState(ru *runningUnit, to unit.State) {
	from := ru.state
	if from == to {
		return
	}
	ru.state = to
	metrics.SetState(ru.spec.ID, string(from), string(to))
	slog.Debug("Unit state changed", "unit", ru.spec.ID, "from", from, "to", to)
}

// startUnit begins a new attempt for ru. Callers hold mu.
func (s *Supervisor) startUnit(ru *runningUnit) {
	id := ru.spec.ID
	s.setState(ru, unit.StateStarting)
	if !ru.started {
		ru.started = true
		s.order = append(s.order, id)
	}

	u := unit.New(ru.spec, s.agg)
	if err := u.Start(); err != nil {
		ex := unit.ExitStatus{Code: -1, Err: err, At: time.Now()}
		ru.lastExit = &ex
		s.setState(ru, unit.StateFailed)
		s.agg.Publish(id, logstream.StreamSystem, "launch failed: "+err.Error())
		slog.Error("Unit launch failed", "unit", id, "error", err)
		s.record(store.Event{OccurredAt: time.Now(), Unit: id, Kind: store.EventLaunchFailed,
			Detail: sql.NullString{String: err.Error(), Valid: true}})
		// LaunchFailure still goes through the restart policy.
		s.maybeRestart(ru, false)
		return
	}
	ru.u = u
	s.setState(ru, unit.StateRunning)
	metrics.IncStart(id)
	slog.Info("Unit started", "unit", id, "pid", u.PID(), "restarts", ru.restarts)
	s.record(store.Event{OccurredAt: time.Now(), Unit: id, Kind: store.EventStarted, PID: u.PID()})

	go func() {
		select {
		case <-u.Done():
		case <-s.done:
			return
		}
		select {
		case s.events <- event{kind: evExited, id: id, exit: u.Exit()}:
		case <-s.done:
		}
	}()

	s.releaseWaiters(id)
}

// releaseWaiters starts units gated on id having reached running.
// Callers hold mu.
func (s *Supervisor) releaseWaiters(id string) {
	for _, sp := range s.cfg.Units {
		ru := s.units[sp.ID]
		if ru.state == unit.StateWaitingDep && ru.gate.unitID == id {
			s.startUnit(ru)
		}
	}
}

// failWaiters fails units whose dependency unit is terminally gone.
// Callers hold mu.
func (s *Supervisor) failWaiters(id string) {
	for _, sp := range s.cfg.Units {
		ru := s.units[sp.ID]
		if ru.state == unit.StateWaitingDep && ru.gate.unitID == id {
			s.setState(ru, unit.StateFailed)
			s.agg.Publish(ru.spec.ID, logstream.StreamSystem, "dependency "+id+" terminated, not starting")
			slog.Warn("Dependency terminated, unit will not start", "unit", ru.spec.ID, "dependency", id)
			s.failWaiters(ru.spec.ID)
		}
	}
}

func (s *Supervisor) onExit(id string, ex unit.ExitStatus) {
	ru, ok := s.units[id]
	if !ok || ru.state.Terminal() {
		return
	}
	ru.lastExit = &ex
	metrics.IncStop(id)
	kind := store.EventStopped
	if !ex.Clean() {
		kind = store.EventFailed
	}
	s.record(store.Event{OccurredAt: ex.At, Unit: id, Kind: kind, PID: 0,
		ExitCode: sql.NullInt64{Int64: int64(ex.Code), Valid: ex.Launched},
		Detail:   errDetail(ex.Err)})
	if s.stopping {
		if ex.Clean() {
			s.setState(ru, unit.StateStopped)
		} else {
			s.setState(ru, unit.StateFailed)
		}
		return
	}
	if ex.Clean() {
		s.setState(ru, unit.StateStopped)
		s.agg.Publish(id, logstream.StreamSystem, "exited cleanly")
		slog.Info("Unit exited", "unit", id, "exit", ex.String())
	} else {
		s.setState(ru, unit.StateFailed)
		s.agg.Publish(id, logstream.StreamSystem, "exited: "+ex.String())
		slog.Warn("Unit failed", "unit", id, "exit", ex.String())
	}
	// A run that outlasted the backoff cap counts as stable; the next
	// failure backs off from the initial delay again.
	if ru.u != nil && ex.At.Sub(ru.u.StartedAt()) >= ru.spec.BackoffCap {
		ru.backoff = 0
	}
	s.maybeRestart(ru, ex.Clean())
}

// maybeRestart applies the restart policy after an exit or launch failure.
// Callers hold mu.
func (s *Supervisor) maybeRestart(ru *runningUnit, clean bool) {
	id := ru.spec.ID
	switch ru.spec.Restart {
	case unit.RestartNever:
		s.failWaiters(id)
		return
	case unit.RestartOnFailure:
		if clean {
			s.failWaiters(id)
			return
		}
	case unit.RestartAlways:
	}
	if ru.spec.RestartMax > 0 && ru.restarts >= ru.spec.RestartMax {
		s.agg.Publish(id, logstream.StreamSystem,
			fmt.Sprintf("restart attempts exhausted (%d), giving up", ru.spec.RestartMax))
		slog.Error("Restart attempts exhausted", "unit", id, "max", ru.spec.RestartMax)
		s.setState(ru, unit.StateFailed)
		s.failWaiters(id)
		return
	}

	if ru.backoff <= 0 {
		ru.backoff = ru.spec.BackoffInitial
	}
	delay := ru.backoff
	// capped exponential growth; observed delays are non-decreasing
	ru.backoff *= 2
	if ru.backoff > ru.spec.BackoffCap {
		ru.backoff = ru.spec.BackoffCap
	}
	s.agg.Publish(id, logstream.StreamSystem, "restarting in "+delay.String())
	s.record(store.Event{OccurredAt: time.Now(), Unit: id, Kind: store.EventRestarting,
		Detail: sql.NullString{String: "backoff " + delay.String(), Valid: true}})

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
		select {
		case s.events <- event{kind: evRestartDue, id: id}:
		case <-s.done:
		}
	}()
}

func (s *Supervisor) onRestartDue(id string) {
	if s.stopping {
		return
	}
	ru := s.units[id]
	ru.restarts++
	metrics.IncRestart(id)
	s.startUnit(ru)
}

func (s *Supervisor) onGateReady(id string) {
	if s.stopping {
		return
	}
	ru := s.units[id]
	if ru.state == unit.StateWaitingDep {
		s.startUnit(ru)
	}
}

func (s *Supervisor) onGateFailed(id string, err error) {
	ru := s.units[id]
	if ru.state != unit.StateWaitingDep {
		return
	}
	s.setState(ru, unit.StateFailed)
	s.agg.Publish(id, logstream.StreamSystem, "dependency never became ready: "+err.Error())
	slog.Error("Dependency wait failed", "unit", id, "error", err)
	s.record(store.Event{OccurredAt: time.Now(), Unit: id, Kind: store.EventDependencyTimeout,
		Detail: errDetail(err)})
	s.failWaiters(id)
}

// probeGate waits for a readiness check and reports the result as an event.
func (s *Supervisor) probeGate(id string, check readiness.Check) {
	err := readiness.WaitUntilReady(s.ctx, check)
	if errors.Is(err, context.Canceled) {
		return
	}
	ev := event{kind: evGateReady, id: id}
	if err != nil {
		ev = event{kind: evGateFailed, id: id, err: err}
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// shutdown stops units in reverse start order under the global deadline.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.stopping = true
	order := append([]string(nil), s.order...)
	// Units that never started have nothing to stop.
	for _, ru := range s.units {
		if ru.state == unit.StatePending || ru.state == unit.StateWaitingDep {
			s.setState(ru, unit.StateStopped)
		}
	}
	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	s.mu.Unlock()

	slog.Info("Shutting down", "units", len(order), "deadline", s.cfg.ShutdownTimeout)
	var forced []string
	for i := len(order) - 1; i >= 0; i-- {
		s.mu.Lock()
		ru := s.units[order[i]]
		u := ru.u
		running := ru.state == unit.StateRunning
		s.mu.Unlock()
		if u == nil || !running {
			continue
		}

		grace := ru.spec.StopGrace
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
		if grace <= 0 {
			grace = time.Millisecond // deadline blown: straight to force
		}
		ex, wasForced := u.Stop(grace)

		s.mu.Lock()
		ru.lastExit = &ex
		if wasForced {
			forced = append(forced, ru.spec.ID)
			s.setState(ru, unit.StateFailed)
			s.agg.Publish(ru.spec.ID, logstream.StreamSystem, "did not stop within grace period, killed")
			slog.Warn("Unit force-terminated", "unit", ru.spec.ID, "grace", grace)
		} else if ex.Clean() {
			s.setState(ru, unit.StateStopped)
		} else {
			// SIGTERM exits usually report as signal termination; during
			// shutdown that still counts as a clean stop.
			s.setState(ru, unit.StateStopped)
		}
		metrics.IncStop(ru.spec.ID)
		s.record(store.Event{OccurredAt: time.Now(), Unit: ru.spec.ID, Kind: store.EventStopped,
			ExitCode: sql.NullInt64{Int64: int64(ex.Code), Valid: ex.Launched},
			Detail:   errDetail(ex.Err)})
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.result = Result{Degraded: len(forced) > 0, Forced: forced}
	s.mu.Unlock()
	if len(forced) > 0 {
		slog.Warn("Shutdown degraded", "forced", forced)
	} else {
		slog.Info("Shutdown clean")
	}
}

func (s *Supervisor) record(ev store.Event) {
	if s.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.st.RecordEvent(ctx, ev); err != nil {
		slog.Debug("Failed to record event", "unit", ev.Unit, "kind", ev.Kind, "error", err)
	}
}

func errDetail(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}
