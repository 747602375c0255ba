package stock_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/id"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/infrastructure/codec"
	"stockvault/internal/infrastructure/storage/postgres"
)

const snapshotsTable = "stock_snapshots"

var snapshotColumns = []string{
	"id", "sku", "captured_at", "snapshot_type", "reason", "created_by", "sequence",
	"state", "state_algo",
}

var _ snapshot.Repository = (*SnapshotRepo)(nil)

// SnapshotRepo stores snapshots with their state compressed by codec.
type SnapshotRepo struct {
	db      postgres.QuerierProvider
	codec   *codec.StateCodec
	builder squirrel.StatementBuilderType
}

// NewSnapshotRepo creates a snapshot repository.
func NewSnapshotRepo(db postgres.QuerierProvider, c *codec.StateCodec) *SnapshotRepo {
	return &SnapshotRepo{
		db:      db,
		codec:   c,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

type snapshotRow struct {
	snapshot.Snapshot
	StateBlob []byte     `db:"state"`
	StateAlgo codec.Algo `db:"state_algo"`
}

func (r *SnapshotRepo) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	blob, algo, err := r.codec.Encode(snap.State)
	if err != nil {
		return err
	}
	sql, args, err := r.builder.Insert(snapshotsTable).
		Columns(snapshotColumns...).
		Values(
			snap.ID, snap.SKU, snap.CapturedAt, string(snap.Type), string(snap.Reason), snap.CreatedBy, snap.Sequence,
			blob, string(algo),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert snapshot of %s: %w", snap.SKU, err)
	}
	return nil
}

func (r *SnapshotRepo) Get(ctx context.Context, snapshotID id.ID) (*snapshot.Snapshot, error) {
	q := r.builder.Select(snapshotColumns...).
		From(snapshotsTable).
		Where(squirrel.Eq{"id": snapshotID})
	snap, err := r.getOne(ctx, q)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("snapshot", snapshotID)
		}
		return nil, fmt.Errorf("get snapshot %s: %w", snapshotID, err)
	}
	return snap, nil
}

func (r *SnapshotRepo) LatestAtOrBefore(ctx context.Context, sku string, at time.Time) (*snapshot.Snapshot, error) {
	q := r.builder.Select(snapshotColumns...).
		From(snapshotsTable).
		Where(squirrel.Eq{"sku": sku}).
		Where(squirrel.LtOrEq{"captured_at": at}).
		OrderBy("captured_at DESC", "sequence DESC").
		Limit(1)
	snap, err := r.getOne(ctx, q)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("snapshot", sku)
		}
		return nil, fmt.Errorf("latest snapshot of %s: %w", sku, err)
	}
	return snap, nil
}

func (r *SnapshotRepo) List(ctx context.Context, sku string, f snapshot.ListFilter) ([]snapshot.Snapshot, error) {
	q := r.builder.Select(snapshotColumns...).
		From(snapshotsTable).
		Where(squirrel.Eq{"sku": sku})
	if f.Type != nil {
		q = q.Where(squirrel.Eq{"snapshot_type": string(*f.Type)})
	}
	if f.From != nil {
		q = q.Where(squirrel.GtOrEq{"captured_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(squirrel.LtOrEq{"captured_at": *f.To})
	}
	q = q.OrderBy("captured_at DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []snapshotRow
	if err := pgxscan.Select(ctx, r.db.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", sku, err)
	}

	out := make([]snapshot.Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := r.decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func (r *SnapshotRepo) DeleteOlderThan(ctx context.Context, t snapshot.Type, cutoff time.Time) (int64, error) {
	sql, args, err := r.builder.Delete(snapshotsTable).
		Where(squirrel.Eq{"snapshot_type": string(t)}).
		Where(squirrel.Lt{"captured_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	tag, err := r.db.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s snapshots: %w", t, err)
	}
	return tag.RowsAffected(), nil
}

func (r *SnapshotRepo) getOne(ctx context.Context, q squirrel.SelectBuilder) (*snapshot.Snapshot, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var row snapshotRow
	if err := pgxscan.Get(ctx, r.db.GetQuerier(ctx), &row, sql, args...); err != nil {
		return nil, err
	}
	return r.decode(&row)
}

func (r *SnapshotRepo) decode(row *snapshotRow) (*snapshot.Snapshot, error) {
	st, err := r.codec.Decode(row.StateBlob, row.StateAlgo)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", row.ID, err)
	}
	snap := row.Snapshot
	snap.State = st
	return &snap, nil
}
