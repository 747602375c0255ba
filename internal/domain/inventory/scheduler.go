package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockvault/internal/domain/snapshot"
	"stockvault/pkg/logger"
)

// SchedulerActor is the CreatedBy of scheduled snapshots.
const SchedulerActor = "snapshot-scheduler"

// Scheduler captures a snapshot of every SKU, typed by ScheduledType.
type Scheduler struct {
	svc      *Service
	pageSize int
}

// NewScheduler creates a scheduler that pages SKUs pageSize at a time.
func NewScheduler(svc *Service, pageSize int) *Scheduler {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Scheduler{svc: svc, pageSize: pageSize}
}

// RunOnce snapshots all SKUs as of now. A failing SKU does not stop the
// run; all failures are returned joined.
func (sc *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	t := snapshot.ScheduledType(now)
	created := 0
	var errs []error

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		skus, err := sc.svc.stock.ListSKUs(ctx, after, sc.pageSize)
		if err != nil {
			return created, fmt.Errorf("list skus after %q: %w", after, err)
		}
		if len(skus) == 0 {
			break
		}
		for _, sku := range skus {
			if _, err := sc.svc.CreateSnapshot(ctx, sku, t, snapshot.ReasonScheduled, SchedulerActor); err != nil {
				logger.Error(ctx, "scheduled snapshot failed", "sku", sku, "error", err)
				errs = append(errs, fmt.Errorf("snapshot %s: %w", sku, err))
				continue
			}
			created++
		}
		after = skus[len(skus)-1]
		if len(skus) < sc.pageSize {
			break
		}
	}

	logger.Info(ctx, "scheduled snapshots captured", "type", t, "created", created, "failed", len(errs))
	return created, errors.Join(errs...)
}

// SweepExpiredHolds releases expired holds on every SKU and returns the
// number of holds released.
func (sc *Scheduler) SweepExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	released := 0
	var errs []error

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		skus, err := sc.svc.stock.ListSKUs(ctx, after, sc.pageSize)
		if err != nil {
			return released, fmt.Errorf("list skus after %q: %w", after, err)
		}
		for _, sku := range skus {
			n, err := sc.svc.ReleaseExpiredHolds(ctx, sku, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("release expired holds of %s: %w", sku, err))
				continue
			}
			released += n
		}
		if len(skus) < sc.pageSize {
			break
		}
		after = skus[len(skus)-1]
	}

	if released > 0 {
		logger.Info(ctx, "expired holds released", "released", released)
	}
	return released, errors.Join(errs...)
}
