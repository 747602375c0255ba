package stock_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockvault/internal/core/apperror"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/infrastructure/storage/postgres"
)

const ledgerTable = "stock_ledger_entries"

// Column order matches the Entry fields and the COPY row values.
var ledgerColumns = postgres.ExtractDBColumns[ledger.Entry]()

var _ ledger.Repository = (*LedgerRepo)(nil)

// rowCopier is the COPY side of postgres.BatchInserter.
type rowCopier interface {
	CopyFromSlice(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// LedgerRepo is the append-only change history. The table has no update
// path; (sku, sequence) is unique.
type LedgerRepo struct {
	db       postgres.QuerierProvider
	inserter rowCopier
	builder  squirrel.StatementBuilderType
}

// NewLedgerRepo creates a ledger repository.
func NewLedgerRepo(txm *postgres.TxManager) *LedgerRepo {
	return &LedgerRepo{
		db:       txm,
		inserter: postgres.NewBatchInserter(txm),
		builder:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Append copies entries in the current transaction.
func (r *LedgerRepo) Append(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.ID, e.SKU, e.Sequence, string(e.ChangeType), e.QuantityDelta.Int64(), e.Reason,
			e.Comment, e.OperatorID, e.SourceRef, e.OccurredAt, []byte(e.Payload),
		})
	}
	if _, err := r.inserter.CopyFromSlice(ctx, ledgerTable, ledgerColumns, rows); err != nil {
		if postgres.IsUniqueViolation(err) {
			return apperror.NewConcurrencyConflict("ledger entry", entries[0].SKU, entries[0].Sequence).WithCause(err)
		}
		return fmt.Errorf("copy ledger entries: %w", err)
	}
	return nil
}

func (r *LedgerRepo) ListBetween(ctx context.Context, sku string, afterSequence int64, until time.Time) ([]ledger.Entry, error) {
	q := r.builder.Select(ledgerColumns...).
		From(ledgerTable).
		Where(squirrel.Eq{"sku": sku}).
		Where(squirrel.Gt{"sequence": afterSequence}).
		Where(squirrel.LtOrEq{"occurred_at": until}).
		OrderBy("sequence")
	return r.selectEntries(ctx, q)
}

func (r *LedgerRepo) History(ctx context.Context, sku string, f ledger.Filter) ([]ledger.Entry, error) {
	q := r.builder.Select(ledgerColumns...).
		From(ledgerTable).
		Where(squirrel.Eq{"sku": sku})

	if f.From != nil {
		q = q.Where(squirrel.GtOrEq{"occurred_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(squirrel.LtOrEq{"occurred_at": *f.To})
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q = q.Where(squirrel.Eq{"change_type": types})
	}
	q = q.OrderBy("sequence DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return r.selectEntries(ctx, q)
}

func (r *LedgerRepo) selectEntries(ctx context.Context, q squirrel.SelectBuilder) ([]ledger.Entry, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var entries []ledger.Entry
	if err := pgxscan.Select(ctx, r.db.GetQuerier(ctx), &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	return entries, nil
}
