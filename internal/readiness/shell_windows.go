//go:build windows

package readiness

import (
	"context"
	"os/exec"
)

// shellCommandContext wraps an operator-provided probe script for Windows systems.
func shellCommandContext(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", script)
}
