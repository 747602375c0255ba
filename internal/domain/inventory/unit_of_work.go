package inventory

import (
	"context"
	"fmt"
	"time"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/tx"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/outbox"
	"stockvault/internal/domain/stock"
)

// Batch is the uncommitted-changes buffer of one aggregate. Operations
// record into it; it is emptied only by a successful Commit.
type Batch struct {
	agg     *stock.Aggregate
	changes []stock.Change
}

// NewBatch starts an empty batch for agg.
func NewBatch(agg *stock.Aggregate) *Batch {
	return &Batch{agg: agg}
}

// Record appends changes produced by agg.
func (b *Batch) Record(changes ...stock.Change) {
	b.changes = append(b.changes, changes...)
}

// Aggregate returns the aggregate the batch belongs to.
func (b *Batch) Aggregate() *stock.Aggregate { return b.agg }

// Changes returns the uncommitted changes in order.
func (b *Batch) Changes() []stock.Change {
	return append([]stock.Change(nil), b.changes...)
}

// Len returns the number of uncommitted changes.
func (b *Batch) Len() int { return len(b.changes) }

// UnitOfWork persists a batch atomically: aggregate state with its version
// check, one ledger entry per change and one outbox record per change.
type UnitOfWork struct {
	txm    tx.Manager
	stock  stock.Repository
	ledger ledger.Repository
	outbox outbox.Writer
	now    func() time.Time
}

// NewUnitOfWork wires the repositories that take part in a commit.
func NewUnitOfWork(txm tx.Manager, stockRepo stock.Repository, ledgerRepo ledger.Repository, writer outbox.Writer, now func() time.Time) *UnitOfWork {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &UnitOfWork{txm: txm, stock: stockRepo, ledger: ledgerRepo, outbox: writer, now: now}
}

// Commit writes the batch in one transaction and clears it on success. On
// failure nothing is persisted and the batch keeps its changes.
func (u *UnitOfWork) Commit(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}

	entries, err := ledger.FromChanges(b.changes)
	if err != nil {
		return apperror.NewInternal(err)
	}
	records, err := outbox.FromChanges(b.changes, u.now())
	if err != nil {
		return apperror.NewInternal(err)
	}

	prevVersion := b.agg.Version()
	err = u.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := u.stock.Save(ctx, b.agg); err != nil {
			return err
		}
		if err := u.ledger.Append(ctx, entries); err != nil {
			if apperror.IsAppError(err) {
				return err
			}
			return fmt.Errorf("append ledger entries: %w", err)
		}
		if err := u.outbox.Write(ctx, records); err != nil {
			return apperror.NewOutboxWriteFailed(err)
		}
		return nil
	})
	if err != nil {
		// Save marks the new version before the transaction outcome is known.
		b.agg.MarkPersisted(prevVersion)
		return err
	}

	b.changes = nil
	return nil
}
