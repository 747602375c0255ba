package main

import (
	"context"
	"time"

	appctx "stockvault/internal/core/context"
	"stockvault/pkg/logger"
)

// every runs fn on each tick until ctx is done. Errors are logged and the
// loop keeps going.
func every(ctx context.Context, job string, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runJob(ctx, job, fn)
		}
	}
}

// daily runs fn once a day at offset past UTC midnight.
func daily(ctx context.Context, job string, offset time.Duration, now func() time.Time, fn func(ctx context.Context) error) error {
	for {
		wait := nextDailyRun(now(), offset).Sub(now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			runJob(ctx, job, fn)
		}
	}
}

func runJob(ctx context.Context, job string, fn func(ctx context.Context) error) {
	jobCtx := appctx.NewJobContext(ctx, job)
	if err := fn(jobCtx); err != nil && ctx.Err() == nil {
		logger.Error(jobCtx, "background job failed", "error", err)
	}
}

// nextDailyRun returns the first time strictly after now that lies offset
// past a UTC midnight.
func nextDailyRun(now time.Time, offset time.Duration) time.Time {
	now = now.UTC()
	run := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(offset)
	if !run.After(now) {
		run = run.AddDate(0, 0, 1)
	}
	return run
}
