package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunCron runs on a standard five field cron expression or a descriptor such as
// "@daily" or "@every 30m", evaluated in local time. A trigger that fires while the
// previous run is still in progress is skipped.
func RunCron(ctx context.Context, expr string, run RunFunc) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, expr, err)
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(time.Local),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(expr, func() { runOnce(ctx, run, "cron") })
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, expr, err)
	}

	c.Start()
	plog.Info("Starting cron schedule", "schedule", expr, "next", c.Entry(id).Next.Format(time.RFC3339))

	<-ctx.Done()
	// Stop prevents new triggers. The returned context is done once the run in
	// progress, which sees the same cancelled ctx, has returned.
	<-c.Stop().Done()
	plog.Info("Cron schedule stopped")
	return nil
}

// cronLogger routes the cron library's logging into plog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	plog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	plog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
