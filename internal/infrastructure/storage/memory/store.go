// Package memory is an in-process implementation of the stock repositories
// and tx.Manager. Transactions work on a private copy of the data and swap
// it in on commit, so a failed transaction leaves nothing behind. It backs
// the service tests and local runs without Postgres.
package memory

import (
	"context"
	"errors"
	"sync"

	"stockvault/internal/core/tx"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/outbox"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
)

var (
	_ tx.Manager         = (*Store)(nil)
	_ tx.ReadOnlyManager = (*Store)(nil)
)

// ErrNoTransaction is returned by writers that require a transaction.
var ErrNoTransaction = errors.New("memory: operation requires a transaction")

type aggregateRow struct {
	state   stock.State
	version int64
}

type dataset struct {
	aggregates map[string]aggregateRow
	ledger     map[string][]ledger.Entry
	outbox     []outbox.Record
	dlq        []outbox.Record
	snapshots  []snapshot.Snapshot
}

func newDataset() *dataset {
	return &dataset{
		aggregates: map[string]aggregateRow{},
		ledger:     map[string][]ledger.Entry{},
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.aggregates {
		c.aggregates[k] = aggregateRow{state: v.state.Clone(), version: v.version}
	}
	for k, v := range d.ledger {
		c.ledger[k] = append([]ledger.Entry(nil), v...)
	}
	c.outbox = append([]outbox.Record(nil), d.outbox...)
	c.dlq = append([]outbox.Record(nil), d.dlq...)
	c.snapshots = make([]snapshot.Snapshot, len(d.snapshots))
	for i, s := range d.snapshots {
		s.State = s.State.Clone()
		c.snapshots[i] = s
	}
	return c
}

// Store holds committed data.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *dataset
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: newDataset()}
}

type txKey struct{}

type memTx struct {
	data     *dataset
	readOnly bool
}

func txFrom(ctx context.Context) *memTx {
	t, _ := ctx.Value(txKey{}).(*memTx)
	return t
}

// RunInTransaction runs fn on a private copy of the data and commits it if
// fn succeeds. Transactions are serialized; nested calls join the outer one.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, &memTx{data: work})); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

// ReadOnly runs fn against a consistent copy of the committed data.
func (s *Store) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	s.mu.RLock()
	view := s.data.clone()
	s.mu.RUnlock()
	return fn(context.WithValue(ctx, txKey{}, &memTx{data: view, readOnly: true}))
}

// read runs fn on the transaction's data, or on committed data.
func (s *Store) read(ctx context.Context, fn func(d *dataset) error) error {
	if t := txFrom(ctx); t != nil {
		return fn(t.data)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

// write runs fn inside the caller's transaction, or in its own one.
func (s *Store) write(ctx context.Context, fn func(d *dataset) error) error {
	if t := txFrom(ctx); t != nil {
		if t.readOnly {
			return errors.New("memory: write in read-only transaction")
		}
		return fn(t.data)
	}
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		return fn(txFrom(ctx).data)
	})
}

// Stock returns the aggregate repository.
func (s *Store) Stock() *StockRepo { return &StockRepo{s: s} }

// Ledger returns the ledger repository.
func (s *Store) Ledger() *LedgerRepo { return &LedgerRepo{s: s} }

// Outbox returns the outbox writer and relay store.
func (s *Store) Outbox() *OutboxRepo { return &OutboxRepo{s: s} }

// Snapshots returns the snapshot repository.
func (s *Store) Snapshots() *SnapshotRepo { return &SnapshotRepo{s: s} }
