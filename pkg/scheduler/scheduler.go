// Package scheduler re-runs a backup on a fixed interval, on a cron schedule or
// whenever the source tree changes. Every scheduler blocks until its context is
// cancelled and then returns nil.
package scheduler

import (
	"context"
	"errors"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
)

var (
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrInvalidSchedule = errors.New("invalid cron schedule")
	ErrWatcherClosed   = errors.New("file watcher closed")
)

// RunFunc performs one complete backup. A scheduler never inspects the outcome
// beyond logging it, so a failed run does not stop the schedule.
type RunFunc func(ctx context.Context) report.RunOutcome

func runOnce(ctx context.Context, run RunFunc, trigger string) {
	plog.Debug("Scheduled run starting", "trigger", trigger)
	out := run(ctx)
	if out.Status == report.Aborted && ctx.Err() == nil {
		plog.Warn("Scheduled run aborted, waiting for next trigger", "trigger", trigger, "error", out.Err)
	}
}
