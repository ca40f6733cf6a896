// Package hook runs user supplied shell commands before and after a backup.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// ErrNothingToExecute is returned when the plan has no commands for the requested stage.
var ErrNothingToExecute = errors.New("nothing to execute")

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a HookExecutor. A nil commandContext uses exec.CommandContext.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreHook runs the plan's pre commands in order. env entries ("KEY=value") are added
// to each command's environment.
func (e *HookExecutor) RunPreHook(ctx context.Context, p *Plan, env []string) error {
	if p == nil || len(p.PreCommands) == 0 {
		return ErrNothingToExecute
	}
	plog.Info("Running pre-backup hook commands")
	return e.run(ctx, p.PreCommands, p.FailFast, env)
}

// RunPostHook runs the plan's post commands in order.
func (e *HookExecutor) RunPostHook(ctx context.Context, p *Plan, env []string) error {
	if p == nil || len(p.PostCommands) == 0 {
		return ErrNothingToExecute
	}
	plog.Info("Running post-backup hook commands")
	return e.run(ctx, p.PostCommands, p.FailFast, env)
}

func (e *HookExecutor) run(ctx context.Context, commands []string, failFast bool, env []string) error {
	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		plog.Info("Executing command", "command", hookCommand)
		cmd := e.createCommand(ctx, hookCommand)
		if len(env) > 0 {
			if cmd.Env == nil {
				cmd.Env = os.Environ()
			}
			cmd.Env = append(cmd.Env, env...)
		}

		// Pipe output to our logger for visibility
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// Check if the context was canceled, which can cause cmd.Wait() to return an error.
			// If so, we should return the context's error to be more specific.
			if ctx.Err() == context.Canceled {
				return context.Canceled
			}
			if failFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}
