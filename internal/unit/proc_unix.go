//go:build !windows

package unit

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so signals can be
// delivered to the whole tree.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends the graceful termination request to the group.
func terminateGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup forcibly terminates the group.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// shellCommand wraps a command line that needs shell interpretation.
func shellCommand(cmdStr string) *exec.Cmd {
	// #nosec G204 -- launch command comes from the operator's config
	return exec.Command("/bin/sh", "-c", cmdStr)
}
