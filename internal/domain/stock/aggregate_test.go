package stock

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/valuation"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func meta(minute int) Meta {
	return Meta{OperatorID: "op-1", At: base.Add(time.Duration(minute) * time.Minute)}
}

func newAgg(t *testing.T, onHand types.Quantity) *Aggregate {
	t.Helper()
	a, err := New("SKU-1")
	require.NoError(t, err)
	if onHand > 0 {
		_, err = a.Receive(onHand, "", nil, meta(0))
		require.NoError(t, err)
	}
	return a
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperror.IsCode(err, code), "want %s, got %v", code, err)
}

func TestNew_RequiresSKU(t *testing.T) {
	_, err := New("  ")
	requireCode(t, err, apperror.CodeValidation)
}

func TestReceive(t *testing.T) {
	a := newAgg(t, 0)

	c, err := a.Receive(10, "", nil, meta(1))
	require.NoError(t, err)
	assert.Equal(t, ChangeReceipt, c.Type)
	assert.Equal(t, int64(1), c.Sequence)
	assert.Equal(t, types.Quantity(10), a.OnHand())
	assert.Equal(t, types.Quantity(10), a.Partition(StatusAvailable))

	_, err = a.Receive(4, StatusQuarantine, nil, meta(2))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(14), a.OnHand())
	assert.Equal(t, types.Quantity(4), a.Partition(StatusQuarantine))
	assert.Equal(t, types.Quantity(10), a.AvailableToPromise())

	_, err = a.Receive(0, "", nil, meta(3))
	requireCode(t, err, apperror.CodeInvalidQuantity)
	_, err = a.Receive(1, Status("LOST"), nil, meta(3))
	requireCode(t, err, apperror.CodeValidation)
	_, err = a.Receive(1, "", nil, Meta{})
	requireCode(t, err, apperror.CodeValidation)
}

func TestConservation_UnderStatusChanges(t *testing.T) {
	a := newAgg(t, 500)
	rng := rand.New(rand.NewSource(42))
	statuses := Statuses()

	for i := 0; i < 300; i++ {
		from := statuses[rng.Intn(len(statuses))]
		to := statuses[rng.Intn(len(statuses))]
		qty := types.Quantity(rng.Intn(60) + 1)
		_, _ = a.ChangeStatus(qty, from, to, "shuffle", meta(i+1))

		var sum types.Quantity
		for _, st := range statuses {
			sum += a.Partition(st)
		}
		require.Equal(t, a.OnHand(), sum, "iteration %d", i)
		require.Equal(t, types.Quantity(500), a.OnHand())
	}
}

func TestChangeStatus_Errors(t *testing.T) {
	a := newAgg(t, 10)
	_, err := a.Allocate(6, "SO-1", meta(1))
	require.NoError(t, err)

	_, err = a.ChangeStatus(11, StatusAvailable, StatusDamaged, "drop", meta(2))
	requireCode(t, err, apperror.CodeInvariantViolation)

	_, err = a.ChangeStatus(5, StatusAvailable, StatusDamaged, "drop", meta(2))
	requireCode(t, err, apperror.CodeInsufficientAvailability)

	_, err = a.ChangeStatus(1, StatusAvailable, StatusAvailable, "noop", meta(2))
	requireCode(t, err, apperror.CodeValidation)

	c, err := a.ChangeStatus(4, StatusAvailable, StatusDamaged, "drop", meta(3))
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, c.FromStatus)
	assert.Equal(t, types.Quantity(6), a.Partition(StatusAvailable))
	require.NoError(t, a.CheckInvariants())
}

func TestATPBound(t *testing.T) {
	a := newAgg(t, 20)

	_, err := a.Allocate(12, "SO-1", meta(1))
	require.NoError(t, err)
	_, err = a.PlaceHold(HoldQuality, 5, "inspection", "qa", nil, meta(2))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(3), a.AvailableToPromise())

	_, err = a.Allocate(4, "SO-2", meta(3))
	requireCode(t, err, apperror.CodeInsufficientAvailability)
	_, err = a.PlaceHold(HoldLegal, 4, "court", "legal", nil, meta(3))
	requireCode(t, err, apperror.CodeInsufficientAvailability)
	_, err = a.Adjust(-4, "SHRINK", AdjustOptions{}, meta(3))
	requireCode(t, err, apperror.CodeInsufficientAvailability)

	s := a.State()
	assert.LessOrEqual(t, s.Allocated+s.HeldQuantity(), s.Partition(StatusAvailable))
	require.NoError(t, a.CheckInvariants())
}

func TestAdjust_NoNegativeStock(t *testing.T) {
	a := newAgg(t, 5)
	before := a.State()

	_, err := a.Adjust(-6, "SHRINK", AdjustOptions{}, meta(1))
	requireCode(t, err, apperror.CodeInvalidQuantity)
	assert.Equal(t, before, a.State(), "failed operation must leave state untouched")

	_, err = a.Adjust(-1, "SHRINK", AdjustOptions{Status: StatusDamaged}, meta(1))
	requireCode(t, err, apperror.CodeInvalidQuantity)

	_, err = a.Adjust(0, "SHRINK", AdjustOptions{}, meta(1))
	requireCode(t, err, apperror.CodeInvalidQuantity)

	_, err = a.Adjust(1, "", AdjustOptions{}, meta(1))
	requireCode(t, err, apperror.CodeValidation)

	c, err := a.Adjust(-5, "SHRINK", AdjustOptions{}, meta(2))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(-5), c.Quantity)
	assert.True(t, a.OnHand().IsZero())
}

func TestSetAbsolute(t *testing.T) {
	a := newAgg(t, 40)

	c, err := a.SetAbsolute(37, "COUNT", AdjustOptions{}, meta(1))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(-3), c.Quantity)
	assert.Equal(t, types.Quantity(37), a.OnHand())

	c, err = a.SetAbsolute(37, "COUNT", AdjustOptions{}, meta(2))
	require.NoError(t, err)
	assert.True(t, c.Quantity.IsZero())

	_, err = a.SetAbsolute(-1, "COUNT", AdjustOptions{}, meta(3))
	requireCode(t, err, apperror.CodeInvalidQuantity)
}

func TestAllocationRoundTrip(t *testing.T) {
	a := newAgg(t, 30)
	allocated, atp := a.Allocated(), a.AvailableToPromise()

	_, err := a.Allocate(17, "SO-9", meta(1))
	require.NoError(t, err)
	_, err = a.Deallocate(17, "SO-9", meta(2))
	require.NoError(t, err)

	assert.Equal(t, allocated, a.Allocated())
	assert.Equal(t, atp, a.AvailableToPromise())

	_, err = a.Deallocate(1, "SO-9", meta(3))
	requireCode(t, err, apperror.CodeInvariantViolation)
}

func TestPick(t *testing.T) {
	a := newAgg(t, 10)
	_, err := a.Pick(1, "SO-1", meta(1))
	requireCode(t, err, apperror.CodeInvariantViolation)

	_, err = a.Allocate(6, "SO-1", meta(2))
	require.NoError(t, err)
	c, err := a.Pick(4, "SO-1", meta(3))
	require.NoError(t, err)

	assert.Equal(t, types.Quantity(-4), c.OnHandDelta())
	assert.Equal(t, types.Quantity(6), a.OnHand())
	assert.Equal(t, types.Quantity(2), a.Allocated())
	assert.Equal(t, types.Quantity(4), a.AvailableToPromise())
}

func TestHolds(t *testing.T) {
	a := newAgg(t, 10)

	c, err := a.PlaceHold(HoldInvestigation, 4, "damage report", "", nil, meta(1))
	require.NoError(t, err)
	require.NotEmpty(t, c.HoldID)
	assert.Equal(t, "op-1", c.Actor)
	assert.Equal(t, types.Quantity(6), a.AvailableToPromise())

	_, err = a.ReleaseHold(c.HoldID, "sup", "cleared", meta(2))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(10), a.AvailableToPromise())

	h, ok := a.Hold(c.HoldID)
	require.True(t, ok)
	assert.True(t, h.Released)
	assert.Equal(t, "sup", h.ReleasedBy)

	_, err = a.ReleaseHold(c.HoldID, "sup", "again", meta(3))
	requireCode(t, err, apperror.CodeInvariantViolation)
	_, err = a.ReleaseHold("missing", "sup", "x", meta(3))
	requireCode(t, err, apperror.CodeNotFound)
	_, err = a.PlaceHold(HoldType("SOFT"), 1, "x", "", nil, meta(3))
	requireCode(t, err, apperror.CodeValidation)
}

func TestReleaseExpiredHolds(t *testing.T) {
	a := newAgg(t, 10)
	soon := base.Add(time.Hour)
	later := base.Add(48 * time.Hour)

	h1, err := a.PlaceHold(HoldCustomer, 2, "reserve", "cs", &soon, meta(1))
	require.NoError(t, err)
	_, err = a.PlaceHold(HoldCustomer, 3, "reserve", "cs", &later, meta(2))
	require.NoError(t, err)
	_, err = a.PlaceHold(HoldLegal, 1, "dispute", "legal", nil, meta(3))
	require.NoError(t, err)

	changes, err := a.ReleaseExpiredHolds(base.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, h1.HoldID, changes[0].HoldID)
	assert.Equal(t, SystemActor, changes[0].Actor)
	assert.Equal(t, types.Quantity(6), a.AvailableToPromise())
	assert.Len(t, a.State().ActiveHolds(), 2)

	changes, err = a.ReleaseExpiredHolds(base.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestTimestampsAreMonotonic(t *testing.T) {
	a := newAgg(t, 0)
	_, err := a.Receive(5, "", nil, meta(10))
	require.NoError(t, err)

	c, err := a.Receive(5, "", nil, meta(5))
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Minute), c.OccurredAt)
	assert.Equal(t, base.Add(10*time.Minute), a.LastUpdated())
}

func TestFEFOAllocation(t *testing.T) {
	a := newAgg(t, 0)
	jun := base.AddDate(0, 1, 0)
	jul := base.AddDate(0, 2, 0)
	aug := base.AddDate(0, 3, 0)

	_, err := a.Receive(10, "", &LotRef{Number: "L-JUL", ExpiresAt: &jul}, meta(1))
	require.NoError(t, err)
	require.True(t, a.LotTracked())
	_, err = a.Receive(5, "", &LotRef{Number: "L-JUN", ExpiresAt: &jun}, meta(2))
	require.NoError(t, err)
	_, err = a.Receive(8, "", &LotRef{Number: "L-AUG", ExpiresAt: &aug}, meta(3))
	require.NoError(t, err)

	_, err = a.Receive(1, "", nil, meta(4))
	requireCode(t, err, apperror.CodeValidation)

	c, err := a.Allocate(12, "SO-1", meta(5))
	require.NoError(t, err)
	assert.Equal(t, []LotSlice{{Number: "L-JUN", Status: StatusAvailable, Quantity: 5}, {Number: "L-JUL", Status: StatusAvailable, Quantity: 7}}, c.LotSlices)

	c, err = a.Pick(6, "SO-1", meta(6))
	require.NoError(t, err)
	assert.Equal(t, []LotSlice{{Number: "L-JUN", Status: StatusAvailable, Quantity: 5}, {Number: "L-JUL", Status: StatusAvailable, Quantity: 1}}, c.LotSlices)

	s := a.State()
	require.Len(t, s.Lots, 2, "exhausted lot is dropped")
	assert.Equal(t, "L-JUL", s.Lots[0].Number)
	assert.Equal(t, types.Quantity(9), s.Lots[0].Quantity)
	assert.Equal(t, types.Quantity(6), s.Lots[0].Allocated)
	require.NoError(t, a.CheckInvariants())

	c, err = a.Adjust(-5, "SCRAP", AdjustOptions{}, meta(7))
	require.NoError(t, err)
	assert.Equal(t, []LotSlice{{Number: "L-JUL", Status: StatusAvailable, Quantity: 3}, {Number: "L-AUG", Status: StatusAvailable, Quantity: 2}}, c.LotSlices)

	_, err = a.Adjust(2, "FOUND", AdjustOptions{}, meta(8))
	requireCode(t, err, apperror.CodeValidation)
	_, err = a.Adjust(2, "FOUND", AdjustOptions{Lot: &LotRef{Number: "L-AUG"}}, meta(8))
	require.NoError(t, err)
	require.NoError(t, a.CheckInvariants())
}

func TestFEFO_SkipsExpiredLots(t *testing.T) {
	a := newAgg(t, 0)
	past := base.Add(-time.Hour)
	future := base.AddDate(0, 1, 0)

	_, err := a.Receive(5, "", &LotRef{Number: "OLD", ExpiresAt: &past}, meta(1))
	require.NoError(t, err)
	_, err = a.Receive(5, "", &LotRef{Number: "NEW", ExpiresAt: &future}, meta(2))
	require.NoError(t, err)

	_, err = a.Allocate(6, "SO-1", meta(3))
	requireCode(t, err, apperror.CodeInsufficientAvailability)

	c, err := a.Allocate(5, "SO-1", meta(3))
	require.NoError(t, err)
	assert.Equal(t, []LotSlice{{Number: "NEW", Status: StatusAvailable, Quantity: 5}}, c.LotSlices)
}

func TestLotOnUntrackedSKU(t *testing.T) {
	a := newAgg(t, 3)
	_, err := a.Receive(1, "", &LotRef{Number: "L1"}, meta(1))
	requireCode(t, err, apperror.CodeValidation)
}

func TestValuationOperations(t *testing.T) {
	a := newAgg(t, 100)

	_, err := a.ReceiveValuation(10, types.MustMoney("1"), meta(1))
	requireCode(t, err, apperror.CodeValuationNotInitialized)

	_, err = a.InitializeValuation(valuation.FIFO, types.MustMoney("10"), "USD", meta(1))
	require.NoError(t, err)
	_, err = a.InitializeValuation(valuation.LIFO, types.MustMoney("10"), "USD", meta(1))
	requireCode(t, err, apperror.CodeInvariantViolation)

	_, err = a.ReceiveValuation(50, types.MustMoney("12"), meta(2))
	requireCode(t, err, apperror.CodeInvariantViolation)

	_, err = a.Receive(50, "", nil, meta(2))
	require.NoError(t, err)
	_, err = a.ReceiveValuation(50, types.MustMoney("12"), meta(2))
	require.NoError(t, err)

	c, err := a.IssueValuation(120, meta(3))
	require.NoError(t, err)
	require.NotNil(t, c.COGS)
	assert.True(t, types.MustMoney("1240").Equal(*c.COGS))

	_, err = a.IssueValuation(31, meta(4))
	requireCode(t, err, apperror.CodeInsufficientAvailability)
	assert.Equal(t, types.Quantity(30), a.Valuation().Quantity)
}

// history runs a mixed sequence of operations and returns the changes.
func history(t *testing.T) (*Aggregate, []Change) {
	t.Helper()
	a, err := New("SKU-1")
	require.NoError(t, err)
	var out []Change
	add := func(c Change, err error) {
		t.Helper()
		require.NoError(t, err)
		out = append(out, c)
	}
	exp := base.Add(time.Hour)

	add(a.Receive(100, "", nil, meta(1)))
	add(a.InitializeValuation(valuation.WeightedAverage, types.MustMoney("10"), "USD", meta(2)))
	add(a.Receive(50, "", nil, meta(3)))
	add(a.ReceiveValuation(50, types.MustMoney("13"), meta(3)))
	add(a.Allocate(30, "SO-1", meta(4)))
	add(a.PlaceHold(HoldQuality, 5, "qa", "qa", &exp, meta(5)))
	add(a.ChangeStatus(10, StatusAvailable, StatusQuarantine, "inspect", meta(6)))
	add(a.IssueValuation(20, meta(7)))
	add(a.Pick(20, "SO-1", meta(7)))
	add(a.IssueValuation(3, meta(8)))
	add(a.Adjust(-3, "SHRINK", AdjustOptions{Status: StatusQuarantine}, meta(9)))
	add(a.Deallocate(10, "SO-1", meta(10)))
	released, err := a.ReleaseExpiredHolds(base.Add(2 * time.Hour))
	require.NoError(t, err)
	out = append(out, released...)
	return a, out
}

func TestReplayReproducesLiveState(t *testing.T) {
	a, changes := history(t)

	replayed := NewState("SKU-1")
	require.NoError(t, ApplyAll(&replayed, changes))
	assert.Equal(t, a.State(), replayed)

	again := NewState("SKU-1")
	require.NoError(t, ApplyAll(&again, changes))
	assert.Equal(t, replayed, again)
}

func TestReplayFromJSONPayloads(t *testing.T) {
	a, changes := history(t)

	replayed := NewState("SKU-1")
	for _, c := range changes {
		raw, err := json.Marshal(c)
		require.NoError(t, err)
		var decoded Change
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.NoError(t, Apply(&replayed, decoded))
	}

	want, err := json.Marshal(a.State())
	require.NoError(t, err)
	got, err := json.Marshal(replayed)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestApply_RejectsOutOfOrder(t *testing.T) {
	_, changes := history(t)
	s := NewState("SKU-1")

	err := Apply(&s, changes[1])
	requireCode(t, err, apperror.CodeInvariantViolation)
	assert.Equal(t, NewState("SKU-1"), s)
}

func TestRestore(t *testing.T) {
	a, _ := history(t)
	r := Restore(a.State(), 7)
	assert.Equal(t, int64(7), r.Version())
	assert.Equal(t, a.State(), r.State())

	_, err := r.Receive(1, "", nil, meta(30))
	require.NoError(t, err)
	assert.NotEqual(t, a.OnHand(), r.OnHand())
}
