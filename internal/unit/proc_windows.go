//go:build windows

package unit

import (
	"os"
	"os/exec"
)

func setProcAttr(_ *exec.Cmd) {}

// Windows has no process groups in the Unix sense; both phases terminate
// the process directly.
func terminateGroup(pid int) { killByPID(pid) }

func killGroup(pid int) { killByPID(pid) }

func killByPID(pid int) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
}

// shellCommand wraps a command line that needs shell interpretation.
func shellCommand(cmdStr string) *exec.Cmd {
	// #nosec G204 -- launch command comes from the operator's config
	return exec.Command("cmd", "/c", cmdStr)
}
