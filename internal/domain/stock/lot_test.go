package stock

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/valuation"
)

// lotView renders lots as "number/status qty/allocated" for compact asserts.
func lotView(lots []Lot) []string {
	out := make([]string, 0, len(lots))
	for _, l := range lots {
		out = append(out, fmt.Sprintf("%s/%s %d/%d", l.Number, l.Status, l.Quantity, l.Allocated))
	}
	return out
}

// splitLots receives two lots and moves part of the earlier-expiring one
// to QUARANTINE, leaving L-JUN split across two statuses.
func splitLots(t *testing.T) (*Aggregate, []Change) {
	t.Helper()
	a := newAgg(t, 0)
	jun := base.AddDate(0, 1, 0)
	jul := base.AddDate(0, 2, 0)
	var out []Change
	add := func(c Change, err error) {
		t.Helper()
		require.NoError(t, err)
		out = append(out, c)
	}
	add(a.Receive(10, "", &LotRef{Number: "L-JUN", ExpiresAt: &jun}, meta(1)))
	add(a.Receive(10, "", &LotRef{Number: "L-JUL", ExpiresAt: &jul}, meta(2)))
	add(a.ChangeStatus(4, StatusAvailable, StatusQuarantine, "inspect", meta(3)))
	require.Equal(t, []string{"L-JUN/AVAILABLE 6/0", "L-JUN/QUARANTINE 4/0", "L-JUL/AVAILABLE 10/0"}, lotView(a.State().Lots))
	return a, out
}

func one(c Change, err error) ([]Change, error) {
	if err != nil {
		return nil, err
	}
	return []Change{c}, nil
}

func TestLotsFollowStatus(t *testing.T) {
	tests := []struct {
		name       string
		run        func(a *Aggregate) ([]Change, error)
		wantSlices []LotSlice
		wantLots   []string
	}{
		{
			name: "allocation skips quarantined part of a lot",
			run: func(a *Aggregate) ([]Change, error) {
				return one(a.Allocate(8, "SO-1", meta(10)))
			},
			wantSlices: []LotSlice{
				{Number: "L-JUN", Status: StatusAvailable, Quantity: 6},
				{Number: "L-JUL", Status: StatusAvailable, Quantity: 2},
			},
			wantLots: []string{"L-JUN/AVAILABLE 6/6", "L-JUN/QUARANTINE 4/0", "L-JUL/AVAILABLE 10/2"},
		},
		{
			name: "pick consumes available lots only",
			run: func(a *Aggregate) ([]Change, error) {
				alloc, err := a.Allocate(8, "SO-1", meta(10))
				if err != nil {
					return nil, err
				}
				pick, err := a.Pick(8, "SO-1", meta(11))
				return []Change{alloc, pick}, err
			},
			wantSlices: []LotSlice{
				{Number: "L-JUN", Status: StatusAvailable, Quantity: 6},
				{Number: "L-JUL", Status: StatusAvailable, Quantity: 2},
			},
			wantLots: []string{"L-JUN/QUARANTINE 4/0", "L-JUL/AVAILABLE 8/0"},
		},
		{
			name: "negative adjustment drains the target status",
			run: func(a *Aggregate) ([]Change, error) {
				return one(a.Adjust(-3, "SCRAP", AdjustOptions{Status: StatusQuarantine}, meta(10)))
			},
			wantSlices: []LotSlice{{Number: "L-JUN", Status: StatusQuarantine, Quantity: 3}},
			wantLots:   []string{"L-JUN/AVAILABLE 6/0", "L-JUN/QUARANTINE 1/0", "L-JUL/AVAILABLE 10/0"},
		},
		{
			name: "negative adjustment of a named lot in a status",
			run: func(a *Aggregate) ([]Change, error) {
				return one(a.Adjust(-4, "SCRAP", AdjustOptions{Status: StatusQuarantine, Lot: &LotRef{Number: "L-JUN"}}, meta(10)))
			},
			wantSlices: []LotSlice{{Number: "L-JUN", Status: StatusQuarantine, Quantity: 4}},
			wantLots:   []string{"L-JUN/AVAILABLE 6/0", "L-JUL/AVAILABLE 10/0"},
		},
		{
			name: "status change back merges the lot",
			run: func(a *Aggregate) ([]Change, error) {
				return one(a.ChangeStatus(4, StatusQuarantine, StatusAvailable, "cleared", meta(10)))
			},
			wantSlices: []LotSlice{{Number: "L-JUN", Status: StatusQuarantine, Quantity: 4}},
			wantLots:   []string{"L-JUN/AVAILABLE 10/0", "L-JUL/AVAILABLE 10/0"},
		},
		{
			name: "status change leaves allocated lot quantity in place",
			run: func(a *Aggregate) ([]Change, error) {
				alloc, err := a.Allocate(6, "SO-1", meta(10))
				if err != nil {
					return nil, err
				}
				move, err := a.ChangeStatus(3, StatusAvailable, StatusDamaged, "dropped", meta(11))
				return []Change{alloc, move}, err
			},
			wantSlices: []LotSlice{{Number: "L-JUL", Status: StatusAvailable, Quantity: 3}},
			wantLots:   []string{"L-JUN/AVAILABLE 6/6", "L-JUN/QUARANTINE 4/0", "L-JUL/AVAILABLE 7/0", "L-JUL/DAMAGED 3/0"},
		},
		{
			name: "lot status change moves the named lot",
			run: func(a *Aggregate) ([]Change, error) {
				return one(a.ChangeLotStatus(5, "L-JUL", StatusAvailable, StatusDamaged, "dropped", meta(10)))
			},
			wantSlices: []LotSlice{{Number: "L-JUL", Status: StatusAvailable, Quantity: 5}},
			wantLots:   []string{"L-JUN/AVAILABLE 6/0", "L-JUN/QUARANTINE 4/0", "L-JUL/AVAILABLE 5/0", "L-JUL/DAMAGED 5/0"},
		},
		{
			name: "positive adjustment lands in the target status",
			run: func(a *Aggregate) ([]Change, error) {
				return one(a.Adjust(2, "FOUND", AdjustOptions{Status: StatusReturned, Lot: &LotRef{Number: "L-JUL"}}, meta(10)))
			},
			wantLots: []string{"L-JUN/AVAILABLE 6/0", "L-JUN/QUARANTINE 4/0", "L-JUL/AVAILABLE 10/0", "L-JUL/RETURNED 2/0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, changes := splitLots(t)

			made, err := tt.run(a)
			require.NoError(t, err)
			last := made[len(made)-1]
			assert.Equal(t, tt.wantSlices, last.LotSlices)
			assert.Equal(t, tt.wantLots, lotView(a.State().Lots))
			require.NoError(t, a.CheckInvariants())

			replayed := NewState("SKU-1")
			require.NoError(t, ApplyAll(&replayed, append(changes, made...)))
			assert.Equal(t, a.State(), replayed)
		})
	}
}

func TestLotsFollowStatus_Errors(t *testing.T) {
	a, _ := splitLots(t)

	_, err := a.Allocate(17, "SO-1", meta(10))
	requireCode(t, err, apperror.CodeInsufficientAvailability)

	_, err = a.Adjust(-1, "SCRAP", AdjustOptions{Status: StatusQuarantine, Lot: &LotRef{Number: "L-JUL"}}, meta(10))
	requireCode(t, err, apperror.CodeNotFound)

	_, err = a.Adjust(-5, "SCRAP", AdjustOptions{Status: StatusQuarantine, Lot: &LotRef{Number: "L-JUN"}}, meta(10))
	requireCode(t, err, apperror.CodeInvalidQuantity)

	_, err = a.ChangeLotStatus(7, "L-JUN", StatusAvailable, StatusDamaged, "dropped", meta(10))
	requireCode(t, err, apperror.CodeInsufficientAvailability)

	_, err = a.ChangeLotStatus(1, " ", StatusAvailable, StatusDamaged, "dropped", meta(10))
	requireCode(t, err, apperror.CodeValidation)

	plain := newAgg(t, 5)
	_, err = plain.ChangeLotStatus(1, "L-1", StatusAvailable, StatusDamaged, "dropped", meta(10))
	requireCode(t, err, apperror.CodeValidation)
}

// A damaged lot must never be reserved, even when it expires first.
func TestDamagedLotIsNotAllocated(t *testing.T) {
	a := newAgg(t, 0)
	jun := base.AddDate(0, 1, 0)
	jul := base.AddDate(0, 2, 0)

	_, err := a.Receive(10, "", &LotRef{Number: "L1", ExpiresAt: &jun}, meta(1))
	require.NoError(t, err)
	c, err := a.ChangeStatus(10, StatusAvailable, StatusDamaged, "crushed", meta(2))
	require.NoError(t, err)
	assert.Equal(t, []LotSlice{{Number: "L1", Status: StatusAvailable, Quantity: 10}}, c.LotSlices)
	_, err = a.Receive(5, "", &LotRef{Number: "L2", ExpiresAt: &jul}, meta(3))
	require.NoError(t, err)

	c, err = a.Allocate(5, "SO-1", meta(4))
	require.NoError(t, err)
	assert.Equal(t, []LotSlice{{Number: "L2", Status: StatusAvailable, Quantity: 5}}, c.LotSlices)

	c, err = a.Pick(5, "SO-1", meta(5))
	require.NoError(t, err)
	assert.Equal(t, []LotSlice{{Number: "L2", Status: StatusAvailable, Quantity: 5}}, c.LotSlices)
	assert.Equal(t, []string{"L1/DAMAGED 10/0"}, lotView(a.State().Lots))
	assert.Equal(t, types.Quantity(10), a.Partition(StatusDamaged))
	require.NoError(t, a.CheckInvariants())
}

func TestCheckInvariants_LotStatus(t *testing.T) {
	good := func() State {
		s := NewState("SKU-1")
		s.LotTracked = true
		s.OnHand = 10
		s.Allocated = 2
		s.Partitions[StatusAvailable] = 6
		s.Partitions[StatusDamaged] = 4
		s.Lots = []Lot{
			{Number: "L1", Status: StatusAvailable, Quantity: 6, Allocated: 2},
			{Number: "L1", Status: StatusDamaged, Quantity: 4},
		}
		return s
	}
	require.NoError(t, good().CheckInvariants())

	tests := []struct {
		name   string
		mutate func(s *State)
	}{
		{"lot in wrong partition", func(s *State) { s.Lots[1].Status = StatusQuarantine }},
		{"allocation on damaged lot", func(s *State) {
			s.Lots[0].Allocated = 0
			s.Lots[1].Allocated = 2
		}},
		{"unknown lot status", func(s *State) { s.Lots[1].Status = "LOST" }},
		{"lot allocations off", func(s *State) { s.Lots[0].Allocated = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := good()
			tt.mutate(&s)
			requireCode(t, s.CheckInvariants(), apperror.CodeInvariantViolation)
		})
	}
}

func TestValuedQuantityBoundedByOnHand(t *testing.T) {
	a := newAgg(t, 10)
	_, err := a.InitializeValuation(valuation.WeightedAverage, types.MustMoney("5"), "USD", meta(1))
	require.NoError(t, err)

	_, err = a.ReceiveValuation(1, types.MustMoney("6"), meta(2))
	requireCode(t, err, apperror.CodeInvariantViolation)

	_, err = a.Receive(4, "", nil, meta(3))
	require.NoError(t, err)
	_, err = a.ReceiveValuation(5, types.MustMoney("6"), meta(4))
	requireCode(t, err, apperror.CodeInvariantViolation)
	_, err = a.ReceiveValuation(4, types.MustMoney("6"), meta(4))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(14), a.Valuation().Quantity)

	_, err = a.Allocate(3, "SO-1", meta(5))
	require.NoError(t, err)
	_, err = a.Pick(3, "SO-1", meta(6))
	requireCode(t, err, apperror.CodeInvariantViolation)
	_, err = a.Adjust(-1, "SHRINK", AdjustOptions{}, meta(6))
	requireCode(t, err, apperror.CodeInvariantViolation)
	assert.Equal(t, types.Quantity(14), a.OnHand())

	_, err = a.IssueValuation(3, meta(7))
	require.NoError(t, err)
	_, err = a.Pick(3, "SO-1", meta(8))
	require.NoError(t, err)
	assert.Equal(t, a.OnHand(), a.Valuation().Quantity)

	// A forged receipt in a replayed history is rejected the same way.
	s := a.State()
	cost := types.MustMoney("1")
	err = Apply(&s, Change{
		Type:       ChangeValuationReceipt,
		SKU:        "SKU-1",
		Sequence:   s.Sequence + 1,
		OccurredAt: base.Add(time.Hour),
		Quantity:   1,
		UnitCost:   &cost,
	})
	requireCode(t, err, apperror.CodeInvariantViolation)
	assert.Equal(t, a.State(), s)
}

func TestQuantityOverflow(t *testing.T) {
	a := newAgg(t, 0)
	_, err := a.Receive(math.MaxInt64-1, "", nil, meta(1))
	require.NoError(t, err)

	_, err = a.Receive(2, "", nil, meta(2))
	requireCode(t, err, apperror.CodeInvalidQuantity)
	_, err = a.Adjust(2, "FOUND", AdjustOptions{}, meta(2))
	requireCode(t, err, apperror.CodeInvalidQuantity)
	_, err = a.Adjust(2, "FOUND", AdjustOptions{Status: StatusReturned}, meta(2))
	requireCode(t, err, apperror.CodeInvalidQuantity)
	assert.Equal(t, types.Quantity(math.MaxInt64-1), a.OnHand())

	_, err = a.Receive(1, StatusReturned, nil, meta(3))
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(math.MaxInt64), a.OnHand())
	require.NoError(t, a.CheckInvariants())
}
