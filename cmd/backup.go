package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunBackup handles the logic for a single backup execution.
func RunBackup(ctx context.Context, sess *Session, flagMap map[string]any) error {
	runConfig, err := sess.resolveConfig(flagparse.Backup, flagMap)
	if err != nil {
		return err
	}

	// Log the Summary
	runConfig.LogSummary()

	out := executeRun(ctx, runConfig)
	if err := outcomeErr(out); err != nil {
		return err // The error will be logged with full details by the caller.
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", out.Duration)
	return nil
}
