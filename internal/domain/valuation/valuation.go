package valuation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
)

// CostLayer is one receipt batch under FIFO/LIFO costing.
type CostLayer struct {
	Quantity   types.Quantity `json:"quantity"`
	UnitCost   types.Money    `json:"unitCost"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// Value returns quantity * unit cost.
func (l CostLayer) Value() types.Money {
	return l.UnitCost.Mul(l.Quantity.Decimal())
}

// Valuation is the cost state of one SKU.
//
// Layered methods keep Layers and leave UnitCost zero; WeightedAverage and
// Standard keep a scalar UnitCost. Quantity is the valued quantity in both
// cases and always equals the sum of layer quantities for layered methods.
type Valuation struct {
	Method        Method         `json:"method"`
	Currency      string         `json:"currency"`
	UnitCost      types.Money    `json:"unitCost"`
	Quantity      types.Quantity `json:"quantity"`
	Layers        []CostLayer    `json:"layers,omitempty"`
	InitializedAt time.Time      `json:"initializedAt"`
}

// ReceiptResult describes the effect of a receipt on the unit cost.
type ReceiptResult struct {
	UnitCostBefore types.Money
	UnitCostAfter  types.Money
	// Variance is qty*(receiptCost-standardCost) for Standard costing and
	// zero otherwise. It is reported, not booked.
	Variance types.Money
}

// Initialize creates a valuation.
//
// openingQty is the quantity already on hand when valuation starts. Layered
// methods value it as a single opening layer at unitCost.
func Initialize(method Method, unitCost types.Money, currency string, openingQty types.Quantity, at time.Time) (*Valuation, error) {
	if !method.IsValid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown valuation method %q", string(method)))
	}
	if !validCurrency(currency) {
		return nil, apperror.NewValidation("currency must be a 3-letter ISO 4217 code").
			WithDetail("currency", currency)
	}
	if unitCost.IsNegative() {
		return nil, apperror.NewValidation("unit cost must not be negative")
	}
	if openingQty.IsNegative() {
		return nil, apperror.NewInvalidQuantity("opening quantity must not be negative", openingQty.Int64())
	}

	v := &Valuation{
		Method:        method,
		Currency:      currency,
		UnitCost:      decimal.Zero,
		InitializedAt: at,
	}

	if method.UsesLayers() {
		if openingQty.IsPositive() {
			v.Layers = []CostLayer{{Quantity: openingQty, UnitCost: types.RoundCost(unitCost), ReceivedAt: at}}
		}
	} else {
		v.UnitCost = types.RoundCost(unitCost)
	}
	v.Quantity = openingQty

	return v, nil
}

// OnReceipt records received units at unitCost.
func (v *Valuation) OnReceipt(qty types.Quantity, unitCost types.Money, at time.Time) (ReceiptResult, error) {
	if !qty.IsPositive() {
		return ReceiptResult{}, apperror.NewInvalidQuantity("receipt quantity must be positive", qty.Int64())
	}
	if unitCost.IsNegative() {
		return ReceiptResult{}, apperror.NewValidation("unit cost must not be negative")
	}
	unitCost = types.RoundCost(unitCost)

	res := ReceiptResult{UnitCostBefore: v.CurrentUnitCost(), Variance: decimal.Zero}

	switch v.Method {
	case WeightedAverage:
		oldValue := v.UnitCost.Mul(v.Quantity.Decimal())
		newValue := oldValue.Add(unitCost.Mul(qty.Decimal()))
		v.UnitCost = types.RoundCost(newValue.Div((v.Quantity + qty).Decimal()))
	case FIFO, LIFO:
		v.Layers = append(v.Layers, CostLayer{Quantity: qty, UnitCost: unitCost, ReceivedAt: at})
	case Standard:
		res.Variance = unitCost.Sub(v.UnitCost).Mul(qty.Decimal())
	default:
		return ReceiptResult{}, apperror.NewInvariantViolation(fmt.Sprintf("unknown valuation method %q", string(v.Method)))
	}
	v.Quantity += qty

	res.UnitCostAfter = v.CurrentUnitCost()
	return res, nil
}

// OnIssue removes qty units from valuation and returns the cost of goods
// sold.
func (v *Valuation) OnIssue(qty types.Quantity) (types.Money, error) {
	if !qty.IsPositive() {
		return decimal.Zero, apperror.NewInvalidQuantity("issue quantity must be positive", qty.Int64())
	}
	if qty > v.Quantity {
		return decimal.Zero, apperror.NewInsufficientAvailability("", qty.Int64(), v.Quantity.Int64()).
			WithDetail("scope", "valuation")
	}

	var cogs types.Money
	switch v.Method {
	case WeightedAverage, Standard:
		cogs = v.UnitCost.Mul(qty.Decimal())
	case FIFO:
		cogs = v.consume(qty, false)
	case LIFO:
		cogs = v.consume(qty, true)
	default:
		return decimal.Zero, apperror.NewInvariantViolation(fmt.Sprintf("unknown valuation method %q", string(v.Method)))
	}
	v.Quantity -= qty

	return cogs, nil
}

// consume takes qty from the layers, from the head or from the tail, and
// drops layers that reach zero. The caller has checked the total.
func (v *Valuation) consume(qty types.Quantity, fromTail bool) types.Money {
	cogs := decimal.Zero
	remaining := qty

	for remaining > 0 && len(v.Layers) > 0 {
		idx := 0
		if fromTail {
			idx = len(v.Layers) - 1
		}
		layer := &v.Layers[idx]

		take := remaining.Min(layer.Quantity)
		cogs = cogs.Add(layer.UnitCost.Mul(take.Decimal()))
		layer.Quantity -= take
		remaining -= take

		if layer.Quantity.IsZero() {
			if fromTail {
				v.Layers = v.Layers[:idx]
			} else {
				v.Layers = v.Layers[1:]
			}
		}
	}

	if len(v.Layers) == 0 {
		v.Layers = nil
	}
	return cogs
}

// TotalValue is the carrying value of the valued quantity.
func (v *Valuation) TotalValue() types.Money {
	if v.Method.UsesLayers() {
		total := decimal.Zero
		for _, l := range v.Layers {
			total = total.Add(l.Value())
		}
		return total
	}
	return v.UnitCost.Mul(v.Quantity.Decimal())
}

// CurrentUnitCost is the scalar unit cost, or the layer average for layered
// methods.
func (v *Valuation) CurrentUnitCost() types.Money {
	if !v.Method.UsesLayers() {
		return v.UnitCost
	}
	if v.Quantity.IsZero() {
		return decimal.Zero
	}
	return types.RoundCost(v.TotalValue().Div(v.Quantity.Decimal()))
}

// CarryingCost is a simple proportional annual holding charge:
// totalValue * annualRatePercent / 100.
func (v *Valuation) CarryingCost(annualRatePercent decimal.Decimal) types.Money {
	return v.TotalValue().Mul(annualRatePercent).Div(decimal.NewFromInt(100))
}

// Check verifies the layer invariant.
func (v *Valuation) Check() error {
	if !v.Method.UsesLayers() {
		if len(v.Layers) > 0 {
			return apperror.NewInvariantViolation("scalar valuation must not carry cost layers")
		}
		return nil
	}
	var sum types.Quantity
	for _, l := range v.Layers {
		if !l.Quantity.IsPositive() {
			return apperror.NewInvariantViolation("cost layer with non-positive quantity")
		}
		sum += l.Quantity
	}
	if sum != v.Quantity {
		return apperror.NewInvariantViolation("cost layer quantities do not match valued quantity").
			WithDetail("layers", sum.Int64()).
			WithDetail("valued", v.Quantity.Int64())
	}
	return nil
}

// Clone returns a deep copy.
func (v *Valuation) Clone() *Valuation {
	if v == nil {
		return nil
	}
	c := *v
	if v.Layers != nil {
		c.Layers = make([]CostLayer, len(v.Layers))
		copy(c.Layers, v.Layers)
	}
	return &c
}

// Summary is the read model of a valuation.
type Summary struct {
	Method     Method         `json:"method"`
	Currency   string         `json:"currency"`
	UnitCost   types.Money    `json:"unitCost"`
	Quantity   types.Quantity `json:"quantity"`
	TotalValue types.Money    `json:"totalValue"`
	LayerCount int            `json:"layerCount"`
}

// Summary returns the read model.
func (v *Valuation) Summary() Summary {
	return Summary{
		Method:     v.Method,
		Currency:   v.Currency,
		UnitCost:   v.CurrentUnitCost(),
		Quantity:   v.Quantity,
		TotalValue: v.TotalValue(),
		LayerCount: len(v.Layers),
	}
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
