package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockvault/internal/core/id"
	"stockvault/internal/domain/outbox"
)

const (
	outboxTable    = "stock_outbox"
	outboxDLQTable = "stock_outbox_dlq"
)

var outboxColumns = ExtractDBColumns[outbox.Record]()

var (
	_ outbox.Writer     = (*OutboxStore)(nil)
	_ outbox.RelayStore = (*OutboxStore)(nil)
)

// OutboxStore writes stock outbox records in the caller's transaction and
// serves the relay.
type OutboxStore struct {
	txm     *TxManager
	batch   *BatchInserter
	builder squirrel.StatementBuilderType
}

// NewOutboxStore creates an outbox store.
func NewOutboxStore(txm *TxManager) *OutboxStore {
	return &OutboxStore{
		txm:     txm,
		batch:   NewBatchInserter(txm),
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

const insertOutboxSQL = `
	INSERT INTO stock_outbox (id, aggregate_type, aggregate_id, sequence, event_type, payload,
		delivery_state, retry_count, occurred_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`

// Write inserts records with one batch round trip. It refuses to run
// outside a transaction.
func (s *OutboxStore) Write(ctx context.Context, records []outbox.Record) error {
	if len(records) == 0 {
		return nil
	}
	queries := make([]BatchQuery, 0, len(records))
	for _, r := range records {
		queries = append(queries, BatchQuery{
			SQL: insertOutboxSQL,
			Args: []any{
				r.ID, r.AggregateType, r.AggregateID, r.Sequence, r.EventType, r.Payload,
				string(r.DeliveryState), r.OccurredAt, r.CreatedAt,
			},
		})
	}
	if err := s.batch.ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("insert outbox records: %w", err)
	}
	return nil
}

// FetchPending locks due PENDING records, oldest first, skipping rows
// locked by other relays.
func (s *OutboxStore) FetchPending(ctx context.Context, now time.Time, limit int) ([]outbox.Record, error) {
	q := s.builder.Select(outboxColumns...).
		From(outboxTable).
		Where(squirrel.Eq{"delivery_state": string(outbox.StatePending)}).
		Where(squirrel.Or{
			squirrel.Eq{"next_retry_at": nil},
			squirrel.LtOrEq{"next_retry_at": now},
		}).
		OrderBy("created_at", "aggregate_id", "sequence").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var records []outbox.Record
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &records, sql, args...); err != nil {
		return nil, fmt.Errorf("select pending outbox records: %w", err)
	}
	return records, nil
}

// MarkDelivered sets a record DELIVERED.
func (s *OutboxStore) MarkDelivered(ctx context.Context, recID id.ID, at time.Time) error {
	return s.update(ctx, recID, map[string]any{
		"delivery_state": string(outbox.StateDelivered),
		"delivered_at":   at,
	})
}

// MarkAttemptFailed records a failed delivery attempt.
func (s *OutboxStore) MarkAttemptFailed(ctx context.Context, recID id.ID, retryCount int, lastErr string, nextRetryAt time.Time, state outbox.DeliveryState) error {
	return s.update(ctx, recID, map[string]any{
		"retry_count":    retryCount,
		"last_error":     lastErr,
		"next_retry_at":  nextRetryAt,
		"delivery_state": string(state),
	})
}

func (s *OutboxStore) update(ctx context.Context, recID id.ID, set map[string]any) error {
	sql, args, err := s.builder.Update(outboxTable).
		SetMap(set).
		Where(squirrel.Eq{"id": recID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update outbox record %s: %w", recID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update outbox record %s: no such record", recID)
	}
	return nil
}

// MoveToDLQ moves FAILED records to the dead letter table.
func (s *OutboxStore) MoveToDLQ(ctx context.Context) (int64, error) {
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM `+outboxTable+`
			WHERE delivery_state = $1
			RETURNING *
		)
		INSERT INTO `+outboxDLQTable+`
		SELECT *, NOW() AS failed_at FROM moved
	`, string(outbox.StateFailed))
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}
	return tag.RowsAffected(), nil
}
