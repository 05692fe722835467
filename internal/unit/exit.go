package unit

import (
	"errors"
	"fmt"
	"time"
)

// LaunchError wraps failures to launch the executable at all (missing
// binary, permission denied). It is distinct from the process later exiting
// nonzero; restart policies still apply to it.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return "launch failed: " + e.Err.Error() }
func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunchError reports whether err is a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// ExitStatus describes how one attempt of a unit ended.
type ExitStatus struct {
	Code     int       // exit code; -1 when killed by signal or never launched
	Err      error     // wait error for abnormal exits, nil for code 0
	At       time.Time // when the exit was observed
	Launched bool      // false when the program could not be started
}

// Clean reports a normal zero exit.
func (e ExitStatus) Clean() bool { return e.Launched && e.Code == 0 && e.Err == nil }

func (e ExitStatus) String() string {
	if !e.Launched {
		return "never launched"
	}
	if e.Clean() {
		return "exit 0"
	}
	if e.Err != nil && e.Code < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit %d", e.Code)
}
