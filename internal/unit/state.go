package unit

// State is the lifecycle state of a unit as tracked by the supervisor.
// Transitions within one attempt are monotonic:
// pending -> waiting-on-dependency? -> starting -> running -> stopped|failed.
// A relaunch begins a new attempt cycle but keeps the unit's identity.
type State string

const (
	StatePending    State = "pending"
	StateWaitingDep State = "waiting-on-dependency"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions happen without a relaunch.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
