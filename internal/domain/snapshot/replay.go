package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/tx"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/stock"
	"stockvault/pkg/logger"
)

var tracer = otel.Tracer("stockvault/replay")

// Baseline is the part of Repository replay needs.
type Baseline interface {
	LatestAtOrBefore(ctx context.Context, sku string, at time.Time) (*Snapshot, error)
}

// History is the part of ledger.Repository replay needs.
type History interface {
	ListBetween(ctx context.Context, sku string, afterSequence int64, until time.Time) ([]ledger.Entry, error)
}

// StateCache memoizes reconstructed states. Only states at settled
// timestamps are cached, so a cached entry can never be invalidated by a
// later write.
type StateCache interface {
	Get(ctx context.Context, sku string, at time.Time) (*stock.State, error)
	Set(ctx context.Context, sku string, at time.Time, state stock.State) error
}

// EngineOptions configures the replay engine.
type EngineOptions struct {
	// GenesisFallback replays from the first ledger entry when no snapshot
	// precedes the target time. Off by default: such queries fail with
	// UNRESOLVED_TIMESTAMP.
	GenesisFallback bool `mapstructure:"genesis_fallback"`
	// CacheSettle is how far in the past a timestamp must be before its
	// state is cached.
	CacheSettle time.Duration `mapstructure:"cache_settle"`
}

// Engine answers point-in-time queries from snapshots plus the ledger.
// It never touches live aggregates.
type Engine struct {
	snapshots Baseline
	history   History
	txm       tx.ReadOnlyManager
	cache     StateCache
	opts      EngineOptions
	now       func() time.Time
}

// NewEngine creates a replay engine. txm and cache may be nil.
func NewEngine(snapshots Baseline, history History, txm tx.ReadOnlyManager, cache StateCache, opts EngineOptions) *Engine {
	if opts.CacheSettle <= 0 {
		opts.CacheSettle = time.Minute
	}
	return &Engine{
		snapshots: snapshots,
		history:   history,
		txm:       txm,
		cache:     cache,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used in tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// GetStateAt reconstructs the state of sku as of at.
func (e *Engine) GetStateAt(ctx context.Context, sku string, at time.Time) (stock.State, error) {
	at = at.UTC()
	ctx, span := tracer.Start(ctx, "replay.GetStateAt",
		trace.WithAttributes(
			attribute.String("sku", sku),
			attribute.String("at", at.Format(time.RFC3339Nano)),
		))
	defer span.End()

	cacheable := e.cache != nil && !at.After(e.now().Add(-e.opts.CacheSettle))
	if cacheable {
		cached, err := e.cache.Get(ctx, sku, at)
		if err != nil {
			logger.Warn(ctx, "replay cache read failed", "sku", sku, "error", err)
		} else if cached != nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return *cached, nil
		}
	}

	var state stock.State
	load := func(ctx context.Context) error {
		var err error
		state, err = e.reconstruct(ctx, sku, at)
		return err
	}
	var err error
	if e.txm != nil {
		err = e.txm.ReadOnly(ctx, load)
	} else {
		err = load(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return stock.State{}, err
	}

	if cacheable {
		if err := e.cache.Set(ctx, sku, at, state); err != nil {
			logger.Warn(ctx, "replay cache write failed", "sku", sku, "error", err)
		}
	}
	return state, nil
}

func (e *Engine) reconstruct(ctx context.Context, sku string, at time.Time) (stock.State, error) {
	base, afterSeq, genesis, err := e.baseline(ctx, sku, at)
	if err != nil {
		return stock.State{}, err
	}

	entries, err := e.history.ListBetween(ctx, sku, afterSeq, at)
	if err != nil {
		return stock.State{}, fmt.Errorf("load ledger entries for %s: %w", sku, err)
	}
	if genesis && len(entries) == 0 {
		return stock.State{}, apperror.NewUnresolvedTimestamp(sku, at)
	}
	if len(entries) == 0 {
		return base, nil
	}

	changes, err := ledger.Changes(entries)
	if err != nil {
		return stock.State{}, apperror.NewInternal(err)
	}
	state := base.Clone()
	if err := stock.ApplyAll(&state, changes); err != nil {
		return stock.State{}, err
	}

	logger.Debug(ctx, "state reconstructed", "sku", sku, "at", at, "base_sequence", afterSeq, "replayed", len(changes))
	return state, nil
}

// baseline returns the starting state and the sequence replay continues
// after. genesis is true when no snapshot precedes at and the fallback
// starts from the empty state.
func (e *Engine) baseline(ctx context.Context, sku string, at time.Time) (state stock.State, afterSeq int64, genesis bool, err error) {
	snap, err := e.snapshots.LatestAtOrBefore(ctx, sku, at)
	if err == nil {
		return snap.State.Clone(), snap.Sequence, false, nil
	}
	if !apperror.IsNotFound(err) {
		return stock.State{}, 0, false, fmt.Errorf("load baseline snapshot for %s: %w", sku, err)
	}
	if !e.opts.GenesisFallback {
		return stock.State{}, 0, false, apperror.NewUnresolvedTimestamp(sku, at)
	}
	return stock.NewState(sku), 0, true, nil
}

// Delta is the difference of two reconstructed states (to - from).
type Delta struct {
	SKU                string                          `json:"sku"`
	From               time.Time                       `json:"from"`
	To                 time.Time                       `json:"to"`
	OnHand             types.Quantity                  `json:"onHand"`
	Allocated          types.Quantity                  `json:"allocated"`
	Held               types.Quantity                  `json:"held"`
	AvailableToPromise types.Quantity                  `json:"availableToPromise"`
	Partitions         map[stock.Status]types.Quantity `json:"partitions"`
}

// GetDelta returns the quantity and availability change of sku between
// from and to. Both timestamps must resolve.
func (e *Engine) GetDelta(ctx context.Context, sku string, from, to time.Time) (Delta, error) {
	if to.Before(from) {
		return Delta{}, apperror.NewValidation("delta end is before its start")
	}
	a, err := e.GetStateAt(ctx, sku, from)
	if err != nil {
		return Delta{}, err
	}
	b, err := e.GetStateAt(ctx, sku, to)
	if err != nil {
		return Delta{}, err
	}
	return Diff(a, b, from.UTC(), to.UTC()), nil
}

// Diff computes b - a.
func Diff(a, b stock.State, from, to time.Time) Delta {
	d := Delta{
		SKU:                b.SKU,
		From:               from,
		To:                 to,
		OnHand:             b.OnHand - a.OnHand,
		Allocated:          b.Allocated - a.Allocated,
		Held:               b.HeldQuantity() - a.HeldQuantity(),
		AvailableToPromise: b.AvailableToPromise() - a.AvailableToPromise(),
		Partitions:         map[stock.Status]types.Quantity{},
	}
	for _, st := range stock.Statuses() {
		if diff := b.Partition(st) - a.Partition(st); !diff.IsZero() {
			d.Partitions[st] = diff
		}
	}
	return d
}
