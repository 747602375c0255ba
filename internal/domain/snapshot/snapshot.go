// Package snapshot stores full-state captures of stock aggregates, applies
// the retention policy to them and answers point-in-time queries by
// replaying the ledger on top of the nearest prior snapshot.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/id"
	"stockvault/internal/domain/stock"
)

// Type classifies a snapshot for retention.
type Type string

const (
	TypeDaily      Type = "DAILY"
	TypeMonthEnd   Type = "MONTH_END"
	TypeQuarterEnd Type = "QUARTER_END"
	TypeYearEnd    Type = "YEAR_END"
	TypeAdHoc      Type = "AD_HOC"
)

// Types lists every snapshot type.
func Types() []Type {
	return []Type{TypeDaily, TypeMonthEnd, TypeQuarterEnd, TypeYearEnd, TypeAdHoc}
}

// IsValid checks if the type is known.
func (t Type) IsValid() bool {
	switch t {
	case TypeDaily, TypeMonthEnd, TypeQuarterEnd, TypeYearEnd, TypeAdHoc:
		return true
	default:
		return false
	}
}

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(s))
	if !t.IsValid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown snapshot type %q", s))
	}
	return t, nil
}

// Reason records why a snapshot was taken.
type Reason string

const (
	ReasonScheduled   Reason = "SCHEDULED"
	ReasonAudit       Reason = "AUDIT"
	ReasonManual      Reason = "MANUAL"
	ReasonPeriodClose Reason = "PERIOD_CLOSE"
	ReasonRecovery    Reason = "RECOVERY"
)

// IsValid checks if the reason is known.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonScheduled, ReasonAudit, ReasonManual, ReasonPeriodClose, ReasonRecovery:
		return true
	default:
		return false
	}
}

// ParseReason converts a string into a Reason.
func ParseReason(s string) (Reason, error) {
	r := Reason(strings.ToUpper(s))
	if !r.IsValid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown snapshot reason %q", s))
	}
	return r, nil
}

// ScheduledType classifies a scheduled capture taken on the UTC date of t.
// The last day of December is YEAR_END, of March/June/September is
// QUARTER_END, of any other month MONTH_END; every other day is DAILY.
func ScheduledType(t time.Time) Type {
	t = t.UTC()
	if t.AddDate(0, 0, 1).Month() == t.Month() {
		return TypeDaily
	}
	switch t.Month() {
	case time.December:
		return TypeYearEnd
	case time.March, time.June, time.September:
		return TypeQuarterEnd
	default:
		return TypeMonthEnd
	}
}

// Snapshot is an immutable capture of an aggregate's observable state.
// Sequence is the ledger sequence the state includes; replay continues
// after it.
type Snapshot struct {
	ID         id.ID       `db:"id" json:"id"`
	SKU        string      `db:"sku" json:"sku"`
	CapturedAt time.Time   `db:"captured_at" json:"capturedAt"`
	Type       Type        `db:"snapshot_type" json:"type"`
	Reason     Reason      `db:"reason" json:"reason"`
	CreatedBy  string      `db:"created_by" json:"createdBy"`
	Sequence   int64       `db:"sequence" json:"sequence"`
	State      stock.State `db:"-" json:"state"`
}

// New captures state.
func New(state stock.State, t Type, reason Reason, createdBy string, capturedAt time.Time) (*Snapshot, error) {
	if !t.IsValid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown snapshot type %q", string(t)))
	}
	if !reason.IsValid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown snapshot reason %q", string(reason)))
	}
	if strings.TrimSpace(createdBy) == "" {
		return nil, apperror.NewValidation("snapshot creator is required")
	}
	if capturedAt.IsZero() {
		return nil, apperror.NewValidation("capture time is required")
	}
	return &Snapshot{
		ID:         id.New(),
		SKU:        state.SKU,
		CapturedAt: capturedAt.UTC(),
		Type:       t,
		Reason:     reason,
		CreatedBy:  createdBy,
		Sequence:   state.Sequence,
		State:      state.Clone(),
	}, nil
}

// ListFilter narrows snapshot listings.
type ListFilter struct {
	Type   *Type
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Repository stores snapshots. Snapshots are never updated; deletion is
// reserved to retention.
type Repository interface {
	Save(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, snapshotID id.ID) (*Snapshot, error)

	// LatestAtOrBefore returns the snapshot of sku with the greatest
	// captured_at <= at. Returns a NOT_FOUND AppError when there is none.
	LatestAtOrBefore(ctx context.Context, sku string, at time.Time) (*Snapshot, error)

	// List returns snapshots of sku, newest first.
	List(ctx context.Context, sku string, f ListFilter) ([]Snapshot, error)

	// DeleteOlderThan removes snapshots of type t captured before cutoff.
	DeleteOlderThan(ctx context.Context, t Type, cutoff time.Time) (int64, error)
}
