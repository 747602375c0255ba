// Package valuation implements inventory costing: FIFO and LIFO cost layers,
// moving weighted-average cost and standard cost.
//
// Everything here is pure computation over a cost history. The stock aggregate
// owns a Valuation and calls into it; nothing in this package performs I/O.
package valuation

import (
	"fmt"

	"stockvault/internal/core/apperror"
)

// Method is the inventory cost valuation method. It is fixed when a
// valuation is initialized.
type Method string

const (
	// FIFO consumes the oldest cost layers first.
	FIFO Method = "FIFO"
	// LIFO consumes the most recently received cost layers first.
	LIFO Method = "LIFO"
	// WeightedAverage blends the unit cost on every receipt.
	WeightedAverage Method = "WEIGHTED_AVERAGE"
	// Standard keeps a fixed unit cost regardless of receipt cost.
	Standard Method = "STANDARD"
)

// Methods lists every supported method.
func Methods() []Method {
	return []Method{FIFO, LIFO, WeightedAverage, Standard}
}

// IsValid checks if the valuation method is valid.
func (m Method) IsValid() bool {
	switch m {
	case FIFO, LIFO, WeightedAverage, Standard:
		return true
	default:
		return false
	}
}

// UsesLayers returns true for methods that keep cost layers.
func (m Method) UsesLayers() bool {
	switch m {
	case FIFO, LIFO:
		return true
	case WeightedAverage, Standard:
		return false
	default:
		panic(fmt.Sprintf("valuation: unknown method %q", string(m)))
	}
}

// ParseMethod converts a string into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if !m.IsValid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown valuation method %q", s))
	}
	return m, nil
}

func (m Method) String() string { return string(m) }
