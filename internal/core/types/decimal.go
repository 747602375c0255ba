// Package types provides common type aliases and utilities.
package types

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// CostScale is the number of fractional digits kept for unit costs.
const CostScale int32 = 4

// NewMoneyFromString creates a Money value from a string.
// This is the preferred method for monetary values.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants and tests.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// RoundCost rounds a unit cost to CostScale digits, half-up.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative costs stored here.
func RoundCost(m Money) Money {
	return m.Round(CostScale)
}

// Quantity is a count of whole stock units. Columns holding it are BIGINT.
type Quantity int64

// NewQuantity converts an int to Quantity.
func NewQuantity(v int64) Quantity { return Quantity(v) }

func (q Quantity) Int64() int64 { return int64(q) }

func (q Quantity) IsZero() bool { return q == 0 }

func (q Quantity) IsPositive() bool { return q > 0 }

func (q Quantity) IsNegative() bool { return q < 0 }

func (q Quantity) Neg() Quantity { return -q }

func (q Quantity) Abs() Quantity {
	if q < 0 {
		return -q
	}
	return q
}

// Min returns the smaller of q and other.
func (q Quantity) Min(other Quantity) Quantity {
	if other < q {
		return other
	}
	return q
}

// AddOverflows reports whether q+d falls outside the int64 range.
func (q Quantity) AddOverflows(d Quantity) bool {
	if d > 0 {
		return q > math.MaxInt64-d
	}
	return q < math.MinInt64-d
}

// Decimal returns the quantity as a decimal for cost arithmetic.
func (q Quantity) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(q))
}

// String returns the quantity in base 10.
func (q Quantity) String() string {
	return strconv.FormatInt(int64(q), 10)
}

// ParseQuantity parses a base-10 integer quantity.
func ParseQuantity(s string) (Quantity, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quantity: %w", err)
	}
	return Quantity(v), nil
}

// Sum adds up quantities.
func Sum(qs ...Quantity) Quantity {
	var total Quantity
	for _, q := range qs {
		total += q
	}
	return total
}
