package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/scheduler"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// RunTimer runs a backup every schedule.interval_seconds until ctx is cancelled.
func RunTimer(ctx context.Context, sess *Session, flagMap map[string]any) error {
	runConfig, err := sess.resolveConfig(flagparse.Timer, flagMap)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	interval := time.Duration(runConfig.Schedule.IntervalSeconds) * time.Second
	plog.Info("Starting timer", "interval", interval)
	return scheduler.RunInterval(ctx, interval, sess.scheduledRun(flagparse.Timer, flagMap))
}

// RunWatch runs a backup for every change below the source directory until ctx is
// cancelled. The watched directory is fixed when the command starts.
func RunWatch(ctx context.Context, sess *Session, flagMap map[string]any) error {
	runConfig, err := sess.resolveConfig(flagparse.Watch, flagMap)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	root, err := util.AbsPath(runConfig.Paths.Source)
	if err != nil {
		return fmt.Errorf("could not resolve source: %w", err)
	}
	return scheduler.RunWatch(ctx, root, sess.scheduledRun(flagparse.Watch, flagMap), runConfig.LockDir())
}

// RunCron runs a backup on every activation of schedule.cron until ctx is cancelled.
func RunCron(ctx context.Context, sess *Session, flagMap map[string]any) error {
	runConfig, err := sess.resolveConfig(flagparse.Cron, flagMap)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	return scheduler.RunCron(ctx, runConfig.Schedule.Cron, sess.scheduledRun(flagparse.Cron, flagMap))
}
