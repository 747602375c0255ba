// Package inventory orchestrates stock aggregates: it loads an aggregate,
// runs an operation, commits the produced changes atomically with their
// ledger entries and outbox records, and retries optimistic-lock conflicts.
package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stockvault/internal/core/apperror"
	appctx "stockvault/internal/core/context"
	"stockvault/internal/core/tx"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/outbox"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
	"stockvault/pkg/logger"
)

// Op runs against a loaded aggregate and returns the changes it produced.
type Op func(a *stock.Aggregate, m stock.Meta) ([]stock.Change, error)

// Observer receives operation outcomes, e.g. for metrics.
type Observer interface {
	ObserveOperation(op string, d time.Duration, err error)
	ObserveConflict(op string)
}

// RetryConfig bounds the optimistic-lock retry loop.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultRetryConfig returns 5 attempts from 10ms up to 200ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
	}
}

// ServiceConfig configures the service.
type ServiceConfig struct {
	TxManager tx.Manager
	Stock     stock.Repository
	Ledger    ledger.Repository
	Outbox    outbox.Writer
	Snapshots snapshot.Repository
	Replay    *snapshot.Engine
	Retry     RetryConfig
	// Parallelism caps concurrently processed SKU groups in ApplyBatch.
	Parallelism int
	Observer    Observer
	Clock       func() time.Time
}

// Service is the entry point for every stock operation and query.
type Service struct {
	txm         tx.Manager
	stock       stock.Repository
	ledger      ledger.Repository
	snapshots   snapshot.Repository
	replay      *snapshot.Engine
	uow         *UnitOfWork
	retry       RetryConfig
	parallelism int
	observer    Observer
	clock       func() time.Time
}

// NewService creates the service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	def := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = def.InitialInterval
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		cfg.Retry.MaxInterval = cfg.Retry.InitialInterval
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Service{
		txm:         cfg.TxManager,
		stock:       cfg.Stock,
		ledger:      cfg.Ledger,
		snapshots:   cfg.Snapshots,
		replay:      cfg.Replay,
		uow:         NewUnitOfWork(cfg.TxManager, cfg.Stock, cfg.Ledger, cfg.Outbox, cfg.Clock),
		retry:       cfg.Retry,
		parallelism: cfg.Parallelism,
		observer:    cfg.Observer,
		clock:       cfg.Clock,
	}
}

// Result is the outcome of a committed operation.
type Result struct {
	SKU     string
	Version int64
	Changes []stock.Change
	State   stock.State
}

// Audit is the who/why of a request.
type Audit struct {
	OperatorID string
	Comment    string
	SourceRef  string
}

// Execute runs op on the aggregate of sku and commits its changes. With
// create set, a missing aggregate is created empty; otherwise a missing SKU
// is NOT_FOUND. Concurrency conflicts reload and rerun op with bounded
// exponential backoff; any other error is returned as is.
func (s *Service) Execute(ctx context.Context, sku, name string, create bool, audit Audit, op Op) (Result, error) {
	sku = strings.TrimSpace(sku)
	start := time.Now()
	res, err := s.execute(ctx, sku, name, create, audit, op)
	if s.observer != nil {
		s.observer.ObserveOperation(name, time.Since(start), err)
	}
	if err != nil {
		logger.Debug(ctx, "stock operation rejected", "sku", sku, "op", name, "error", err)
		return Result{}, err
	}
	return res, nil
}

func (s *Service) execute(ctx context.Context, sku, name string, create bool, audit Audit, op Op) (Result, error) {
	attempt := 0
	run := func() (Result, error) {
		attempt++
		res, err := s.attempt(ctx, sku, create, audit, op)
		if err == nil {
			return res, nil
		}
		if apperror.IsConcurrencyConflict(err) {
			if s.observer != nil {
				s.observer.ObserveConflict(name)
			}
			logger.Debug(ctx, "stock version conflict, retrying", "sku", sku, "op", name, "attempt", attempt)
			return Result{}, err
		}
		return Result{}, backoff.Permanent(err)
	}

	res, err := backoff.RetryWithData(run, s.newBackOff(ctx))
	if err != nil {
		if apperror.IsConcurrencyConflict(err) {
			logger.Warn(ctx, "stock operation gave up after conflicts", "sku", sku, "op", name, "attempts", attempt)
		}
		return Result{}, err
	}

	logger.Info(ctx, "stock operation committed",
		"sku", sku,
		"op", name,
		"version", res.Version,
		"changes", len(res.Changes),
		"attempts", attempt,
	)
	return res, nil
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retry.InitialInterval
	eb.MaxInterval = s.retry.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.retry.MaxAttempts-1)), ctx)
}

// attempt is one load / run / commit cycle.
func (s *Service) attempt(ctx context.Context, sku string, create bool, audit Audit, op Op) (Result, error) {
	agg, err := s.load(ctx, sku, create)
	if err != nil {
		return Result{}, err
	}

	changes, err := op(agg, s.meta(ctx, audit))
	if err != nil {
		return Result{}, err
	}

	batch := NewBatch(agg)
	batch.Record(changes...)
	committed := batch.Changes()
	if err := s.uow.Commit(ctx, batch); err != nil {
		return Result{}, err
	}

	return Result{
		SKU:     agg.SKU(),
		Version: agg.Version(),
		Changes: committed,
		State:   agg.State(),
	}, nil
}

func (s *Service) load(ctx context.Context, sku string, create bool) (*stock.Aggregate, error) {
	agg, err := s.stock.Get(ctx, sku)
	if err == nil {
		return agg, nil
	}
	if create && apperror.IsNotFound(err) {
		return stock.New(sku)
	}
	return nil, err
}

func (s *Service) meta(ctx context.Context, audit Audit) stock.Meta {
	operator := audit.OperatorID
	if operator == "" {
		operator = appctx.GetOperatorID(ctx)
	}
	return stock.Meta{
		OperatorID: operator,
		Comment:    audit.Comment,
		SourceRef:  audit.SourceRef,
		At:         s.clock(),
	}
}

// single adapts an operation producing one change to Op.
func single(fn func(a *stock.Aggregate, m stock.Meta) (stock.Change, error)) Op {
	return func(a *stock.Aggregate, m stock.Meta) ([]stock.Change, error) {
		c, err := fn(a, m)
		if err != nil {
			return nil, err
		}
		return []stock.Change{c}, nil
	}
}
