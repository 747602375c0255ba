package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockvault/internal/core/id"
	"stockvault/internal/core/tx"
	"stockvault/pkg/logger"
)

var tracer = otel.Tracer("stockvault/outbox")

// RelayStore is the storage side of the relay.
type RelayStore interface {
	// FetchPending locks up to limit PENDING records due at now, oldest
	// first. Rows locked by another relay are skipped.
	FetchPending(ctx context.Context, now time.Time, limit int) ([]Record, error)
	MarkDelivered(ctx context.Context, recID id.ID, at time.Time) error
	MarkAttemptFailed(ctx context.Context, recID id.ID, retryCount int, lastErr string, nextRetryAt time.Time, state DeliveryState) error
	// MoveToDLQ moves FAILED records to the dead letter table.
	MoveToDLQ(ctx context.Context) (int64, error)
}

// RelayObserver receives delivery outcomes, e.g. for metrics.
type RelayObserver interface {
	ObserveDelivery(eventType string, delivered bool, dead bool)
}

// RelayConfig tunes the relay.
type RelayConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// DefaultRelayConfig returns production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:      100,
		MaxRetries:     5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
	}
}

// Relay delivers pending records to a Handler.
type Relay struct {
	store    RelayStore
	txm      tx.Manager
	handler  Handler
	cfg      RelayConfig
	observer RelayObserver
	now      func() time.Time
}

// NewRelay creates a relay. observer may be nil.
func NewRelay(store RelayStore, txm tx.Manager, handler Handler, cfg RelayConfig, observer RelayObserver) *Relay {
	def := DefaultRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Relay{
		store:    store,
		txm:      txm,
		handler:  handler,
		cfg:      cfg,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used in tests.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// ProcessBatch delivers one batch and returns the number of delivered
// records. Row locks are held for the whole batch, so concurrent relays
// never deliver the same record at the same time.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	delivered := 0
	err := r.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		now := r.now()
		records, err := r.store.FetchPending(ctx, now, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch pending outbox records: %w", err)
		}

		for i := range records {
			ok, err := r.deliver(ctx, &records[i], now)
			if err != nil {
				return err
			}
			if ok {
				delivered++
			}
		}
		return nil
	})
	return delivered, err
}

// deliver hands one record to the handler and records the outcome. Handler
// errors are not returned; only storage errors abort the batch.
func (r *Relay) deliver(ctx context.Context, rec *Record, now time.Time) (bool, error) {
	hctx, span := tracer.Start(ctx, "outbox.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.event_type", rec.EventType),
			attribute.String("sku", rec.AggregateID),
			attribute.Int64("sequence", rec.Sequence),
		))
	handleErr := r.handler.Handle(hctx, rec)
	if handleErr != nil {
		span.RecordError(handleErr)
		span.SetStatus(codes.Error, handleErr.Error())
	}
	span.End()

	if handleErr == nil {
		if err := r.store.MarkDelivered(ctx, rec.ID, now); err != nil {
			return false, fmt.Errorf("mark outbox record delivered: %w", err)
		}
		r.observe(rec.EventType, true, false)
		return true, nil
	}

	retries := rec.RetryCount + 1
	state := StatePending
	if retries >= r.cfg.MaxRetries {
		state = StateFailed
	}
	next := now.Add(r.Backoff(retries))

	logger.Warn(ctx, "outbox delivery failed",
		"record_id", rec.ID,
		"event_type", rec.EventType,
		"sku", rec.AggregateID,
		"retry_count", retries,
		"state", state,
		"error", handleErr,
	)

	if err := r.store.MarkAttemptFailed(ctx, rec.ID, retries, handleErr.Error(), next, state); err != nil {
		return false, fmt.Errorf("mark outbox record attempt failed: %w", err)
	}
	r.observe(rec.EventType, false, state == StateFailed)
	return false, nil
}

// Backoff is the delay before attempt number retries+1: InitialBackoff
// doubled per failed attempt, capped at MaxBackoff.
func (r *Relay) Backoff(retries int) time.Duration {
	d := r.cfg.InitialBackoff
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

// MoveToDLQ moves exhausted records out of the outbox table.
func (r *Relay) MoveToDLQ(ctx context.Context) (int64, error) {
	return r.store.MoveToDLQ(ctx)
}

func (r *Relay) observe(eventType string, delivered, dead bool) {
	if r.observer != nil {
		r.observer.ObserveDelivery(eventType, delivered, dead)
	}
}
