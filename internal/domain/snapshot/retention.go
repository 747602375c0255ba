package snapshot

import (
	"context"
	"fmt"
	"time"

	"stockvault/pkg/logger"
)

// RetentionPolicy is the age after which each snapshot type is deleted.
// YEAR_END snapshots are kept forever.
type RetentionPolicy struct {
	DailyDays       int `mapstructure:"daily_days"`
	AdHocDays       int `mapstructure:"adhoc_days"`
	MonthEndYears   int `mapstructure:"month_end_years"`
	QuarterEndYears int `mapstructure:"quarter_end_years"`
}

// DefaultRetentionPolicy returns 90d / 30d / 7y / 10y.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		DailyDays:       90,
		AdHocDays:       30,
		MonthEndYears:   7,
		QuarterEndYears: 10,
	}
}

// Validate rejects non-positive thresholds.
func (p RetentionPolicy) Validate() error {
	if p.DailyDays <= 0 || p.AdHocDays <= 0 || p.MonthEndYears <= 0 || p.QuarterEndYears <= 0 {
		return fmt.Errorf("retention thresholds must be positive: %+v", p)
	}
	return nil
}

// Cutoff returns the capture time before which snapshots of type t are
// deleted. ok is false for types that are never deleted.
func (p RetentionPolicy) Cutoff(t Type, now time.Time) (cutoff time.Time, ok bool) {
	now = now.UTC()
	switch t {
	case TypeDaily:
		return now.AddDate(0, 0, -p.DailyDays), true
	case TypeAdHoc:
		return now.AddDate(0, 0, -p.AdHocDays), true
	case TypeMonthEnd:
		return now.AddDate(-p.MonthEndYears, 0, 0), true
	case TypeQuarterEnd:
		return now.AddDate(-p.QuarterEndYears, 0, 0), true
	case TypeYearEnd:
		return time.Time{}, false
	default:
		panic(fmt.Sprintf("snapshot: unknown type %q", string(t)))
	}
}

// Deleter is the part of Repository retention needs.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, t Type, cutoff time.Time) (int64, error)
}

// RetentionObserver receives per-type deletion counts, e.g. for metrics.
type RetentionObserver interface {
	ObserveRetention(t Type, deleted int64)
}

// Retainer runs the retention policy. Running it twice with the same now
// deletes nothing the second time.
type Retainer struct {
	repo     Deleter
	policy   RetentionPolicy
	observer RetentionObserver
}

// NewRetainer creates a retainer. observer may be nil.
func NewRetainer(repo Deleter, policy RetentionPolicy, observer RetentionObserver) *Retainer {
	return &Retainer{repo: repo, policy: policy, observer: observer}
}

// Run deletes expired snapshots of every type and returns counts per type.
func (r *Retainer) Run(ctx context.Context, now time.Time) (map[Type]int64, error) {
	if err := r.policy.Validate(); err != nil {
		return nil, err
	}

	deleted := make(map[Type]int64)
	for _, t := range Types() {
		cutoff, ok := r.policy.Cutoff(t, now)
		if !ok {
			continue
		}
		n, err := r.repo.DeleteOlderThan(ctx, t, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("delete %s snapshots before %s: %w", t, cutoff.Format(time.RFC3339), err)
		}
		deleted[t] = n
		if r.observer != nil {
			r.observer.ObserveRetention(t, n)
		}
		if n > 0 {
			logger.Info(ctx, "snapshots deleted by retention", "type", t, "cutoff", cutoff, "deleted", n)
		}
	}
	return deleted, nil
}
