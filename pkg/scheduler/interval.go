package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunInterval runs immediately and then again each time interval has elapsed since
// the previous run started. A run that takes longer than interval is followed by
// the next one without delay. Runs never overlap.
func RunInterval(ctx context.Context, interval time.Duration, run RunFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	plog.Info("Starting interval schedule", "interval", interval)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			plog.Info("Interval schedule stopped")
			return nil
		}

		start := time.Now()
		runOnce(ctx, run, "interval")

		wait := max(interval-time.Since(start), 0)
		timer.Reset(wait)
		plog.Debug("Next scheduled run", "in", wait.Round(time.Second))

		select {
		case <-ctx.Done():
			plog.Info("Interval schedule stopped")
			return nil
		case <-timer.C:
		}
	}
}
