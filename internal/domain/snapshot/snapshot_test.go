package snapshot_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
	"stockvault/internal/infrastructure/storage/memory"
)

var (
	ctx  = context.Background()
	base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
)

func TestScheduledType(t *testing.T) {
	tests := []struct {
		at   time.Time
		want snapshot.Type
	}{
		{time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC), snapshot.TypeDaily},
		{time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC), snapshot.TypeMonthEnd},
		{time.Date(2028, 2, 28, 23, 0, 0, 0, time.UTC), snapshot.TypeDaily},
		{time.Date(2028, 2, 29, 23, 0, 0, 0, time.UTC), snapshot.TypeMonthEnd},
		{time.Date(2026, 9, 30, 23, 0, 0, 0, time.UTC), snapshot.TypeQuarterEnd},
		{time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC), snapshot.TypeYearEnd},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snapshot.ScheduledType(tt.at), tt.at.Format(time.DateOnly))
	}
}

func TestNew_Validation(t *testing.T) {
	st := stock.NewState("SKU-1")

	_, err := snapshot.New(st, "WEEKLY", snapshot.ReasonManual, "u", base)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
	_, err = snapshot.New(st, snapshot.TypeDaily, "WHIM", "u", base)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
	_, err = snapshot.New(st, snapshot.TypeDaily, snapshot.ReasonManual, " ", base)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))

	snap, err := snapshot.New(st, snapshot.TypeDaily, snapshot.ReasonManual, "u", base)
	require.NoError(t, err)
	assert.Equal(t, "SKU-1", snap.SKU)
	assert.Equal(t, base, snap.CapturedAt)
}

func saveSnapshot(t *testing.T, repo snapshot.Repository, sku string, typ snapshot.Type, at time.Time) {
	t.Helper()
	snap, err := snapshot.New(stock.NewState(sku), typ, snapshot.ReasonScheduled, "test", at)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, snap))
}

type retentionCounts map[snapshot.Type]int64

func (r retentionCounts) ObserveRetention(t snapshot.Type, deleted int64) { r[t] += deleted }

func TestRetention(t *testing.T) {
	store := memory.NewStore()
	repo := store.Snapshots()
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	saveSnapshot(t, repo, "A", snapshot.TypeDaily, now.AddDate(0, 0, -91))
	saveSnapshot(t, repo, "A", snapshot.TypeDaily, now.AddDate(0, 0, -89))
	saveSnapshot(t, repo, "A", snapshot.TypeAdHoc, now.AddDate(0, 0, -31))
	saveSnapshot(t, repo, "A", snapshot.TypeAdHoc, now.AddDate(0, 0, -29))
	saveSnapshot(t, repo, "A", snapshot.TypeMonthEnd, now.AddDate(-8, 0, 0))
	saveSnapshot(t, repo, "A", snapshot.TypeMonthEnd, now.AddDate(-6, 0, 0))
	saveSnapshot(t, repo, "A", snapshot.TypeQuarterEnd, now.AddDate(-11, 0, 0))
	saveSnapshot(t, repo, "A", snapshot.TypeQuarterEnd, now.AddDate(-9, 0, 0))
	saveSnapshot(t, repo, "A", snapshot.TypeYearEnd, now.AddDate(-25, 0, 0))

	obs := retentionCounts{}
	r := snapshot.NewRetainer(repo, snapshot.DefaultRetentionPolicy(), obs)

	deleted, err := r.Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, map[snapshot.Type]int64{
		snapshot.TypeDaily:      1,
		snapshot.TypeAdHoc:      1,
		snapshot.TypeMonthEnd:   1,
		snapshot.TypeQuarterEnd: 1,
	}, deleted)
	assert.Equal(t, retentionCounts(deleted), obs)

	left, err := repo.List(ctx, "A", snapshot.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 5)
	policy := snapshot.DefaultRetentionPolicy()
	for _, s := range left {
		cutoff, ok := policy.Cutoff(s.Type, now)
		if ok {
			assert.False(t, s.CapturedAt.Before(cutoff), "%s snapshot at %s outlived retention", s.Type, s.CapturedAt)
		}
	}

	again, err := r.Run(ctx, now)
	require.NoError(t, err)
	for _, n := range again {
		assert.Zero(t, n)
	}
}

func TestRetentionPolicy_Validate(t *testing.T) {
	assert.NoError(t, snapshot.DefaultRetentionPolicy().Validate())

	p := snapshot.DefaultRetentionPolicy()
	p.AdHocDays = 0
	assert.Error(t, p.Validate())

	_, err := snapshot.NewRetainer(memory.NewStore().Snapshots(), p, nil).Run(ctx, base)
	assert.Error(t, err)
}

// history commits a small history of SKU-1 into store: receipt at base,
// allocation at base+1h, pick at base+2h. A snapshot is taken after the
// receipt when snapAfterReceipt is set.
func history(t *testing.T, store *memory.Store, snapAfterReceipt bool) {
	t.Helper()
	agg, err := stock.New("SKU-1")
	require.NoError(t, err)

	commit := func(c stock.Change) {
		e, err := ledger.FromChange(c)
		require.NoError(t, err)
		require.NoError(t, store.Ledger().Append(ctx, []ledger.Entry{e}))
	}

	c, err := agg.Receive(40, "", nil, stock.Meta{At: base})
	require.NoError(t, err)
	commit(c)
	if snapAfterReceipt {
		snap, err := snapshot.New(agg.State(), snapshot.TypeDaily, snapshot.ReasonScheduled, "test", base.Add(30*time.Minute))
		require.NoError(t, err)
		require.NoError(t, store.Snapshots().Save(ctx, snap))
	}

	c, err = agg.Allocate(15, "SO-1", stock.Meta{At: base.Add(time.Hour)})
	require.NoError(t, err)
	commit(c)
	c, err = agg.Pick(10, "SO-1", stock.Meta{At: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	commit(c)
}

func TestEngine_ReplaysAfterSnapshot(t *testing.T) {
	store := memory.NewStore()
	history(t, store, true)
	engine := snapshot.NewEngine(store.Snapshots(), store.Ledger(), store, nil, snapshot.EngineOptions{})

	st, err := engine.GetStateAt(ctx, "SKU-1", base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(40), st.OnHand)
	assert.True(t, st.Allocated.IsZero())

	st, err = engine.GetStateAt(ctx, "SKU-1", base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(15), st.Allocated)
	assert.Equal(t, types.Quantity(25), st.AvailableToPromise())

	st, err = engine.GetStateAt(ctx, "SKU-1", base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(30), st.OnHand)
	assert.Equal(t, types.Quantity(5), st.Allocated)
	assert.Equal(t, int64(3), st.Sequence)
	assert.NoError(t, st.CheckInvariants())

	_, err = engine.GetStateAt(ctx, "SKU-1", base.Add(10*time.Minute))
	assert.True(t, apperror.IsCode(err, apperror.CodeUnresolvedTimestamp))
}

func TestEngine_GenesisFallback(t *testing.T) {
	store := memory.NewStore()
	history(t, store, false)

	strict := snapshot.NewEngine(store.Snapshots(), store.Ledger(), store, nil, snapshot.EngineOptions{})
	_, err := strict.GetStateAt(ctx, "SKU-1", base.Add(3*time.Hour))
	assert.True(t, apperror.IsCode(err, apperror.CodeUnresolvedTimestamp))

	genesis := snapshot.NewEngine(store.Snapshots(), store.Ledger(), nil, nil, snapshot.EngineOptions{GenesisFallback: true})
	st, err := genesis.GetStateAt(ctx, "SKU-1", base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(30), st.OnHand)

	_, err = genesis.GetStateAt(ctx, "SKU-1", base.Add(-time.Hour))
	assert.True(t, apperror.IsCode(err, apperror.CodeUnresolvedTimestamp))
	_, err = genesis.GetStateAt(ctx, "OTHER", base)
	assert.True(t, apperror.IsCode(err, apperror.CodeUnresolvedTimestamp))
}

func TestEngine_Delta(t *testing.T) {
	store := memory.NewStore()
	history(t, store, true)
	engine := snapshot.NewEngine(store.Snapshots(), store.Ledger(), store, nil, snapshot.EngineOptions{})

	d, err := engine.GetDelta(ctx, "SKU-1", base.Add(30*time.Minute), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(-10), d.OnHand)
	assert.Equal(t, types.Quantity(5), d.Allocated)
	assert.Equal(t, types.Quantity(-15), d.AvailableToPromise)
	assert.Equal(t, map[stock.Status]types.Quantity{stock.StatusAvailable: -10}, d.Partitions)

	_, err = engine.GetDelta(ctx, "SKU-1", base.Add(3*time.Hour), base)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]stock.State
	hits int
}

func (c *mapCache) key(sku string, at time.Time) string {
	return sku + "@" + at.Format(time.RFC3339Nano)
}

func (c *mapCache) Get(_ context.Context, sku string, at time.Time) (*stock.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.data[c.key(sku, at)]
	if !ok {
		return nil, nil
	}
	c.hits++
	return &st, nil
}

func (c *mapCache) Set(_ context.Context, sku string, at time.Time, st stock.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[c.key(sku, at)] = st
	return nil
}

func TestEngine_CachesSettledTimestampsOnly(t *testing.T) {
	store := memory.NewStore()
	history(t, store, true)
	cache := &mapCache{data: map[string]stock.State{}}
	now := base.Add(3 * time.Hour)
	engine := snapshot.NewEngine(store.Snapshots(), store.Ledger(), store, cache, snapshot.EngineOptions{CacheSettle: time.Hour}).
		WithClock(func() time.Time { return now })

	settled := base.Add(90 * time.Minute)
	first, err := engine.GetStateAt(ctx, "SKU-1", settled)
	require.NoError(t, err)
	second, err := engine.GetStateAt(ctx, "SKU-1", settled)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.hits)

	recent := base.Add(150 * time.Minute)
	_, err = engine.GetStateAt(ctx, "SKU-1", recent)
	require.NoError(t, err)
	assert.Len(t, cache.data, 1)
}
