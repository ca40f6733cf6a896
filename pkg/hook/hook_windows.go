//go:build windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createCommand wraps command in "cmd /C" and starts it in a new process group,
// so cancelling ctx takes down the whole process tree.
func (e *HookExecutor) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := e.commandContext(ctx, "cmd", "/C", command)
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}
