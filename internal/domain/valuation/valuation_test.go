package valuation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func assertMoney(t *testing.T, want string, got types.Money) {
	t.Helper()
	assert.True(t, types.MustMoney(want).Equal(got), "want %s, got %s", want, got.String())
}

// layered builds a valuation holding (100 @ 10) then (50 @ 12).
func layered(t *testing.T, m Method) *Valuation {
	t.Helper()
	v, err := Initialize(m, types.MustMoney("10"), "USD", 100, t0)
	require.NoError(t, err)
	_, err = v.OnReceipt(50, types.MustMoney("12"), t0.Add(time.Hour))
	require.NoError(t, err)
	return v
}

func TestFIFO_IssueConsumesOldestLayers(t *testing.T) {
	v := layered(t, FIFO)

	cogs, err := v.OnIssue(120)
	require.NoError(t, err)

	assertMoney(t, "1240", cogs)
	require.Len(t, v.Layers, 1)
	assert.Equal(t, types.Quantity(30), v.Layers[0].Quantity)
	assertMoney(t, "12", v.Layers[0].UnitCost)
	assert.Equal(t, types.Quantity(30), v.Quantity)
	require.NoError(t, v.Check())
}

func TestLIFO_IssueConsumesNewestLayers(t *testing.T) {
	v := layered(t, LIFO)

	cogs, err := v.OnIssue(120)
	require.NoError(t, err)

	assertMoney(t, "1300", cogs)
	require.Len(t, v.Layers, 1)
	assert.Equal(t, types.Quantity(30), v.Layers[0].Quantity)
	assertMoney(t, "10", v.Layers[0].UnitCost)
	require.NoError(t, v.Check())
}

func TestLayered_IssueExactlyAllRemovesLayers(t *testing.T) {
	v := layered(t, FIFO)

	cogs, err := v.OnIssue(150)
	require.NoError(t, err)
	assertMoney(t, "1600", cogs)
	assert.Empty(t, v.Layers)
	assert.True(t, v.Quantity.IsZero())
	assertMoney(t, "0", v.TotalValue())
}

func TestWeightedAverage_ReceiptBlendsAndRounds(t *testing.T) {
	v, err := Initialize(WeightedAverage, types.MustMoney("10.00"), "USD", 1000, t0)
	require.NoError(t, err)

	res, err := v.OnReceipt(500, types.MustMoney("12.00"), t0)
	require.NoError(t, err)

	assertMoney(t, "10.6667", v.UnitCost)
	assertMoney(t, "10", res.UnitCostBefore)
	assertMoney(t, "10.6667", res.UnitCostAfter)
	assert.Equal(t, types.Quantity(1500), v.Quantity)

	cogs, err := v.OnIssue(3)
	require.NoError(t, err)
	assertMoney(t, "32.0001", cogs)
	assertMoney(t, "10.6667", v.UnitCost)
}

func TestWeightedAverage_FirstReceiptOnEmpty(t *testing.T) {
	v, err := Initialize(WeightedAverage, types.MustMoney("0"), "EUR", 0, t0)
	require.NoError(t, err)

	_, err = v.OnReceipt(10, types.MustMoney("7.5"), t0)
	require.NoError(t, err)
	assertMoney(t, "7.5", v.UnitCost)
}

func TestStandard_ReceiptKeepsCostAndReportsVariance(t *testing.T) {
	v, err := Initialize(Standard, types.MustMoney("5"), "USD", 0, t0)
	require.NoError(t, err)

	res, err := v.OnReceipt(10, types.MustMoney("5.25"), t0)
	require.NoError(t, err)
	assertMoney(t, "5", v.UnitCost)
	assertMoney(t, "2.5", res.Variance)

	cogs, err := v.OnIssue(4)
	require.NoError(t, err)
	assertMoney(t, "20", cogs)
	assert.Equal(t, types.Quantity(6), v.Quantity)
}

func TestIssue_Errors(t *testing.T) {
	for _, m := range Methods() {
		t.Run(string(m), func(t *testing.T) {
			v, err := Initialize(m, types.MustMoney("3"), "USD", 5, t0)
			require.NoError(t, err)

			_, err = v.OnIssue(6)
			assert.True(t, apperror.IsCode(err, apperror.CodeInsufficientAvailability))
			assert.Equal(t, types.Quantity(5), v.Quantity, "failed issue must not change state")

			_, err = v.OnIssue(0)
			assert.True(t, apperror.IsCode(err, apperror.CodeInvalidQuantity))
		})
	}
}

func TestInitialize_Validation(t *testing.T) {
	tests := []struct {
		name   string
		method Method
		cost   string
		cur    string
		qty    types.Quantity
		code   string
	}{
		{"unknown method", Method("AVCO"), "1", "USD", 0, apperror.CodeValidation},
		{"bad currency", FIFO, "1", "usd", 0, apperror.CodeValidation},
		{"negative cost", FIFO, "-1", "USD", 0, apperror.CodeValidation},
		{"negative opening", FIFO, "1", "USD", -1, apperror.CodeInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Initialize(tt.method, types.MustMoney(tt.cost), tt.cur, tt.qty, t0)
			assert.True(t, apperror.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestTotalValueAndCarryingCost(t *testing.T) {
	v := layered(t, FIFO)
	assertMoney(t, "1600", v.TotalValue())
	assertMoney(t, "400", v.CarryingCost(decimal.NewFromInt(25)))

	s := v.Summary()
	assert.Equal(t, FIFO, s.Method)
	assert.Equal(t, 2, s.LayerCount)
	assertMoney(t, "10.6667", s.UnitCost)
}

func TestClone_IsDeep(t *testing.T) {
	v := layered(t, FIFO)
	c := v.Clone()

	_, err := c.OnIssue(120)
	require.NoError(t, err)

	assert.Len(t, v.Layers, 2)
	assert.Equal(t, types.Quantity(100), v.Layers[0].Quantity)
}
