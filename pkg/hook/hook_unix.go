//go:build !windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand wraps command in "/bin/sh -c" and starts it in its own process group,
// so cancelling ctx takes down everything the hook spawned.
func (e *HookExecutor) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := e.commandContext(ctx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
