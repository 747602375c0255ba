// Package stock_repo provides PostgreSQL implementations of the stock,
// ledger and snapshot repositories.
package stock_repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockvault/internal/core/apperror"
	"stockvault/internal/domain/stock"
	"stockvault/internal/infrastructure/storage/postgres"
)

const aggregatesTable = "stock_aggregates"

var _ stock.Repository = (*AggregateRepo)(nil)

// AggregateRepo stores the live state of each SKU as JSONB with an
// optimistic version.
type AggregateRepo struct {
	db      postgres.QuerierProvider
	builder squirrel.StatementBuilderType
}

// NewAggregateRepo creates an aggregate repository.
func NewAggregateRepo(db postgres.QuerierProvider) *AggregateRepo {
	return &AggregateRepo{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

type aggregateRow struct {
	SKU     string `db:"sku"`
	Version int64  `db:"version"`
	State   []byte `db:"state"`
}

func (r *AggregateRepo) Get(ctx context.Context, sku string) (*stock.Aggregate, error) {
	sql, args, err := r.builder.Select("sku", "version", "state").
		From(aggregatesTable).
		Where(squirrel.Eq{"sku": sku}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row aggregateRow
	if err := pgxscan.Get(ctx, r.db.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("stock aggregate", sku)
		}
		return nil, fmt.Errorf("get stock aggregate %s: %w", sku, err)
	}

	st := stock.NewState(row.SKU)
	if err := json.Unmarshal(row.State, &st); err != nil {
		return nil, fmt.Errorf("decode stock aggregate %s: %w", sku, err)
	}
	return stock.Restore(st, row.Version), nil
}

// Save inserts a new aggregate or updates one whose stored version still
// matches. Any mismatch is a CONCURRENCY_CONFLICT.
func (r *AggregateRepo) Save(ctx context.Context, a *stock.Aggregate) error {
	st := a.State()
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode stock aggregate %s: %w", st.SKU, err)
	}

	sql, args, err := r.saveQuery(st, payload, a.Version()).ToSql()
	if err != nil {
		return fmt.Errorf("build save: %w", err)
	}
	tag, err := r.db.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("save stock aggregate %s: %w", st.SKU, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrencyConflict("stock aggregate", st.SKU, a.Version())
	}

	a.MarkPersisted(a.Version() + 1)
	return nil
}

// saveQuery inserts the first version or updates the row still at version.
func (r *AggregateRepo) saveQuery(st stock.State, payload []byte, version int64) squirrel.Sqlizer {
	cols := map[string]any{
		"state":        payload,
		"on_hand":      st.OnHand.Int64(),
		"allocated":    st.Allocated.Int64(),
		"sequence":     st.Sequence,
		"last_updated": st.LastUpdated,
		"updated_at":   squirrel.Expr("NOW()"),
	}
	if version == 0 {
		cols["sku"] = st.SKU
		cols["version"] = int64(1)
		return r.builder.Insert(aggregatesTable).SetMap(cols).Suffix("ON CONFLICT (sku) DO NOTHING")
	}
	cols["version"] = version + 1
	return r.builder.Update(aggregatesTable).SetMap(cols).
		Where(squirrel.Eq{"sku": st.SKU, "version": version})
}

func (r *AggregateRepo) ListSKUs(ctx context.Context, afterSKU string, limit int) ([]string, error) {
	q := r.builder.Select("sku").
		From(aggregatesTable).
		Where(squirrel.Gt{"sku": afterSKU}).
		OrderBy("sku")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var skus []string
	if err := pgxscan.Select(ctx, r.db.GetQuerier(ctx), &skus, sql, args...); err != nil {
		return nil, fmt.Errorf("list skus: %w", err)
	}
	return skus, nil
}
