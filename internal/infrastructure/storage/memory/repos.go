package memory

import (
	"context"
	"sort"
	"time"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/id"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/outbox"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
)

var (
	_ stock.Repository    = (*StockRepo)(nil)
	_ ledger.Repository   = (*LedgerRepo)(nil)
	_ outbox.Writer       = (*OutboxRepo)(nil)
	_ outbox.RelayStore   = (*OutboxRepo)(nil)
	_ snapshot.Repository = (*SnapshotRepo)(nil)
)

// StockRepo implements stock.Repository.
type StockRepo struct{ s *Store }

func (r *StockRepo) Get(ctx context.Context, sku string) (*stock.Aggregate, error) {
	var agg *stock.Aggregate
	err := r.s.read(ctx, func(d *dataset) error {
		row, ok := d.aggregates[sku]
		if !ok {
			return apperror.NewNotFound("stock aggregate", sku)
		}
		agg = stock.Restore(row.state, row.version)
		return nil
	})
	return agg, err
}

func (r *StockRepo) Save(ctx context.Context, a *stock.Aggregate) error {
	var next int64
	err := r.s.write(ctx, func(d *dataset) error {
		row, exists := d.aggregates[a.SKU()]
		switch {
		case a.Version() == 0 && exists:
			return apperror.NewConcurrencyConflict("stock aggregate", a.SKU(), 0)
		case a.Version() > 0 && (!exists || row.version != a.Version()):
			return apperror.NewConcurrencyConflict("stock aggregate", a.SKU(), a.Version())
		}
		next = a.Version() + 1
		d.aggregates[a.SKU()] = aggregateRow{state: a.State(), version: next}
		return nil
	})
	if err != nil {
		return err
	}
	a.MarkPersisted(next)
	return nil
}

func (r *StockRepo) ListSKUs(ctx context.Context, afterSKU string, limit int) ([]string, error) {
	var out []string
	err := r.s.read(ctx, func(d *dataset) error {
		for sku := range d.aggregates {
			if sku > afterSKU {
				out = append(out, sku)
			}
		}
		return nil
	})
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct{ s *Store }

func (r *LedgerRepo) Append(ctx context.Context, entries []ledger.Entry) error {
	return r.s.write(ctx, func(d *dataset) error {
		for _, e := range entries {
			for _, existing := range d.ledger[e.SKU] {
				if existing.Sequence == e.Sequence {
					return apperror.NewConcurrencyConflict("ledger entry", e.SKU, e.Sequence)
				}
			}
			d.ledger[e.SKU] = append(d.ledger[e.SKU], e)
		}
		return nil
	})
}

func (r *LedgerRepo) ListBetween(ctx context.Context, sku string, afterSequence int64, until time.Time) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := r.s.read(ctx, func(d *dataset) error {
		for _, e := range d.ledger[sku] {
			if e.Sequence > afterSequence && !e.OccurredAt.After(until) {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, err
}

func (r *LedgerRepo) History(ctx context.Context, sku string, f ledger.Filter) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := r.s.read(ctx, func(d *dataset) error {
		for _, e := range d.ledger[sku] {
			if f.From != nil && e.OccurredAt.Before(*f.From) {
				continue
			}
			if f.To != nil && e.OccurredAt.After(*f.To) {
				continue
			}
			if len(f.Types) > 0 && !containsType(f.Types, e.ChangeType) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return page(out, f.Offset, f.Limit), err
}

// Count returns the number of ledger entries of sku.
func (r *LedgerRepo) Count(sku string) int {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.data.ledger[sku])
}

func containsType(types []stock.ChangeType, t stock.ChangeType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// OutboxRepo implements outbox.Writer and outbox.RelayStore.
type OutboxRepo struct{ s *Store }

func (r *OutboxRepo) Write(ctx context.Context, records []outbox.Record) error {
	t := txFrom(ctx)
	if t == nil || t.readOnly {
		return ErrNoTransaction
	}
	t.data.outbox = append(t.data.outbox, records...)
	return nil
}

func (r *OutboxRepo) FetchPending(ctx context.Context, now time.Time, limit int) ([]outbox.Record, error) {
	var out []outbox.Record
	err := r.s.read(ctx, func(d *dataset) error {
		for _, rec := range d.outbox {
			if rec.DeliveryState != outbox.StatePending {
				continue
			}
			if rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, recID id.ID, at time.Time) error {
	return r.update(ctx, recID, func(rec *outbox.Record) {
		rec.DeliveryState = outbox.StateDelivered
		rec.DeliveredAt = &at
	})
}

func (r *OutboxRepo) MarkAttemptFailed(ctx context.Context, recID id.ID, retryCount int, lastErr string, nextRetryAt time.Time, state outbox.DeliveryState) error {
	return r.update(ctx, recID, func(rec *outbox.Record) {
		rec.RetryCount = retryCount
		rec.LastError = &lastErr
		rec.NextRetryAt = &nextRetryAt
		rec.DeliveryState = state
	})
}

func (r *OutboxRepo) MoveToDLQ(ctx context.Context) (int64, error) {
	var moved int64
	err := r.s.write(ctx, func(d *dataset) error {
		kept := d.outbox[:0:0]
		for _, rec := range d.outbox {
			if rec.DeliveryState == outbox.StateFailed {
				d.dlq = append(d.dlq, rec)
				moved++
				continue
			}
			kept = append(kept, rec)
		}
		d.outbox = kept
		return nil
	})
	return moved, err
}

func (r *OutboxRepo) update(ctx context.Context, recID id.ID, fn func(rec *outbox.Record)) error {
	return r.s.write(ctx, func(d *dataset) error {
		for i := range d.outbox {
			if d.outbox[i].ID == recID {
				fn(&d.outbox[i])
				return nil
			}
		}
		return apperror.NewNotFound("outbox record", recID)
	})
}

// Records returns a copy of the committed outbox.
func (r *OutboxRepo) Records() []outbox.Record {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]outbox.Record(nil), r.s.data.outbox...)
}

// DeadLetters returns a copy of the committed dead letter table.
func (r *OutboxRepo) DeadLetters() []outbox.Record {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]outbox.Record(nil), r.s.data.dlq...)
}

// SnapshotRepo implements snapshot.Repository.
type SnapshotRepo struct{ s *Store }

func (r *SnapshotRepo) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	return r.s.write(ctx, func(d *dataset) error {
		c := *snap
		c.State = snap.State.Clone()
		d.snapshots = append(d.snapshots, c)
		return nil
	})
}

func (r *SnapshotRepo) Get(ctx context.Context, snapshotID id.ID) (*snapshot.Snapshot, error) {
	var found *snapshot.Snapshot
	err := r.s.read(ctx, func(d *dataset) error {
		for _, s := range d.snapshots {
			if s.ID == snapshotID {
				c := s
				c.State = s.State.Clone()
				found = &c
				return nil
			}
		}
		return apperror.NewNotFound("snapshot", snapshotID)
	})
	return found, err
}

func (r *SnapshotRepo) LatestAtOrBefore(ctx context.Context, sku string, at time.Time) (*snapshot.Snapshot, error) {
	var best *snapshot.Snapshot
	err := r.s.read(ctx, func(d *dataset) error {
		for i := range d.snapshots {
			s := d.snapshots[i]
			if s.SKU != sku || s.CapturedAt.After(at) {
				continue
			}
			if best == nil || s.CapturedAt.After(best.CapturedAt) ||
				(s.CapturedAt.Equal(best.CapturedAt) && s.Sequence > best.Sequence) {
				c := s
				best = &c
			}
		}
		if best == nil {
			return apperror.NewNotFound("snapshot", sku)
		}
		best.State = best.State.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return best, nil
}

func (r *SnapshotRepo) List(ctx context.Context, sku string, f snapshot.ListFilter) ([]snapshot.Snapshot, error) {
	var out []snapshot.Snapshot
	err := r.s.read(ctx, func(d *dataset) error {
		for _, s := range d.snapshots {
			if s.SKU != sku {
				continue
			}
			if f.Type != nil && s.Type != *f.Type {
				continue
			}
			if f.From != nil && s.CapturedAt.Before(*f.From) {
				continue
			}
			if f.To != nil && s.CapturedAt.After(*f.To) {
				continue
			}
			c := s
			c.State = s.State.Clone()
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	return page(out, f.Offset, f.Limit), err
}

func (r *SnapshotRepo) DeleteOlderThan(ctx context.Context, t snapshot.Type, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.s.write(ctx, func(d *dataset) error {
		kept := d.snapshots[:0:0]
		for _, s := range d.snapshots {
			if s.Type == t && s.CapturedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, s)
		}
		d.snapshots = kept
		return nil
	})
	return deleted, err
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
