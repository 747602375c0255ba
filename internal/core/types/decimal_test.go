package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantity_AddOverflows(t *testing.T) {
	tests := []struct {
		name string
		q, d Quantity
		want bool
	}{
		{"small", 10, 5, false},
		{"exact max", math.MaxInt64 - 5, 5, false},
		{"past max", math.MaxInt64 - 5, 6, true},
		{"max plus one", math.MaxInt64, 1, true},
		{"negative delta", math.MaxInt64, -1, false},
		{"past min", math.MinInt64 + 1, -2, true},
		{"zero delta", math.MaxInt64, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.AddOverflows(tt.d))
		})
	}
}

func TestRoundCost(t *testing.T) {
	assert.Equal(t, "10.1235", RoundCost(MustMoney("10.123456")).String())
}
