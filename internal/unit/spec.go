package unit

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/ward/internal/logger"
)

// RestartPolicy governs whether a unit is relaunched after it exits.
type RestartPolicy string

const (
	// RestartNever leaves the unit terminated whatever the exit status.
	RestartNever RestartPolicy = "never"
	// RestartAlways relaunches unconditionally.
	RestartAlways RestartPolicy = "always"
	// RestartOnFailure relaunches only after an abnormal exit.
	RestartOnFailure RestartPolicy = "on-failure"
)

// Default timings applied by Spec.Normalize.
const (
	DefaultStopGrace      = 5 * time.Second
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffCap     = 30 * time.Second
)

// Spec describes one supervised unit. Immutable after load.
type Spec struct {
	ID      string   `mapstructure:"id"`
	Command string   `mapstructure:"command"` // launch command, shell-wrapped only when needed
	WorkDir string   `mapstructure:"workdir"` // optional working dir
	Env     []string `mapstructure:"env"`     // optional KEY=VALUE overrides on top of the supervisor env

	// DependsOn names either another unit's id (gate on it reaching
	// running) or a readiness check (gate on the check reporting ready).
	DependsOn string `mapstructure:"depends_on"`

	Restart        RestartPolicy `mapstructure:"restart"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	// RestartMax caps relaunch attempts; 0 means unlimited.
	RestartMax int `mapstructure:"restart_max"`

	// StopGrace bounds the graceful phase of the two-phase stop.
	StopGrace time.Duration `mapstructure:"stop_grace"`

	Log logger.Config `mapstructure:"log"` // optional per-unit file sinks
}

// Validate reports problems that make the spec unusable.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("unit requires an id")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("unit %q: command is required", s.ID)
	}
	switch s.Restart {
	case "", RestartNever, RestartAlways, RestartOnFailure:
	default:
		return fmt.Errorf("unit %q: unknown restart policy %q", s.ID, s.Restart)
	}
	if s.RestartMax < 0 {
		return fmt.Errorf("unit %q: restart_max must be >= 0", s.ID)
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("unit %q: env entry %q is not KEY=VALUE", s.ID, kv)
		}
	}
	return nil
}

// Normalize fills defaults in place.
func (s *Spec) Normalize() {
	if s.Restart == "" {
		s.Restart = RestartNever
	}
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
	if s.BackoffInitial <= 0 {
		s.BackoffInitial = DefaultBackoffInitial
	}
	if s.BackoffCap < s.BackoffInitial {
		s.BackoffCap = DefaultBackoffCap
		if s.BackoffCap < s.BackoffInitial {
			s.BackoffCap = s.BackoffInitial
		}
	}
}

// BuildCommand constructs an *exec.Cmd for the spec's command string. Plain
// commands run directly; anything with shell metacharacters is handed to
// the shell so redirections and quoting keep working.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204 -- launch command comes from the operator's config
	return exec.Command(name, args...)
}
