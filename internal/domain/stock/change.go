package stock

import (
	"fmt"
	"time"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/valuation"
)

// ChangeType identifies the kind of state transition recorded in a Change.
type ChangeType string

const (
	ChangeReceipt              ChangeType = "RECEIPT"
	ChangePick                 ChangeType = "PICK"
	ChangeAllocation           ChangeType = "ALLOCATION"
	ChangeDeallocation         ChangeType = "DEALLOCATION"
	ChangeAdjustment           ChangeType = "ADJUSTMENT"
	ChangeStatusChange         ChangeType = "STATUS_CHANGE"
	ChangeHoldPlaced           ChangeType = "HOLD_PLACED"
	ChangeHoldReleased         ChangeType = "HOLD_RELEASED"
	ChangeValuationInitialized ChangeType = "VALUATION_INITIALIZED"
	ChangeValuationReceipt     ChangeType = "VALUATION_RECEIPT"
	ChangeValuationIssue       ChangeType = "VALUATION_ISSUE"
)

// ChangeTypes lists every change type.
func ChangeTypes() []ChangeType {
	return []ChangeType{
		ChangeReceipt, ChangePick, ChangeAllocation, ChangeDeallocation,
		ChangeAdjustment, ChangeStatusChange, ChangeHoldPlaced, ChangeHoldReleased,
		ChangeValuationInitialized, ChangeValuationReceipt, ChangeValuationIssue,
	}
}

// IsValid checks if the change type is known.
func (t ChangeType) IsValid() bool {
	switch t {
	case ChangeReceipt, ChangePick, ChangeAllocation, ChangeDeallocation,
		ChangeAdjustment, ChangeStatusChange, ChangeHoldPlaced, ChangeHoldReleased,
		ChangeValuationInitialized, ChangeValuationReceipt, ChangeValuationIssue:
		return true
	default:
		return false
	}
}

// ParseChangeType converts a string into a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	t := ChangeType(s)
	if !t.IsValid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown change type %q", s))
	}
	return t, nil
}

// Meta carries who/why/when for an operation.
type Meta struct {
	OperatorID string
	Comment    string
	SourceRef  string
	At         time.Time
}

// Change is one state transition of a stock aggregate. It is everything
// Apply needs to reproduce the transition, so it doubles as the ledger
// payload and the outbox event body.
//
// Quantity is signed:
//   - RECEIPT, ALLOCATION, HOLD_PLACED, VALUATION_RECEIPT: +qty
//   - PICK, DEALLOCATION, HOLD_RELEASED, VALUATION_ISSUE: -qty
//   - ADJUSTMENT: the on-hand delta
//   - STATUS_CHANGE: the moved quantity
//   - VALUATION_INITIALIZED: the opening valued quantity
type Change struct {
	Type     ChangeType     `json:"type"`
	SKU      string         `json:"sku"`
	Sequence int64          `json:"sequence"`
	Quantity types.Quantity `json:"quantity"`

	Status     Status `json:"status,omitempty"`
	FromStatus Status `json:"fromStatus,omitempty"`
	ToStatus   Status `json:"toStatus,omitempty"`
	OrderRef   string `json:"orderRef,omitempty"`

	Lot       *LotRef    `json:"lot,omitempty"`
	LotSlices []LotSlice `json:"lotSlices,omitempty"`

	Hold   *Hold  `json:"hold,omitempty"`
	HoldID string `json:"holdId,omitempty"`

	Valuation *valuation.Valuation `json:"valuation,omitempty"`
	UnitCost  *types.Money         `json:"unitCost,omitempty"`
	COGS      *types.Money         `json:"cogs,omitempty"`
	// Variance is the standard-cost purchase price variance of a receipt.
	Variance *types.Money `json:"variance,omitempty"`

	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	OperatorID string    `json:"operatorId,omitempty"`
	SourceRef  string    `json:"sourceRef,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventType is the outbox event name for the change.
func (c Change) EventType() string {
	switch c.Type {
	case ChangeReceipt:
		return "stock.received"
	case ChangePick:
		return "stock.picked"
	case ChangeAllocation:
		return "stock.allocated"
	case ChangeDeallocation:
		return "stock.deallocated"
	case ChangeAdjustment:
		return "stock.adjusted"
	case ChangeStatusChange:
		return "stock.status_changed"
	case ChangeHoldPlaced:
		return "stock.hold_placed"
	case ChangeHoldReleased:
		return "stock.hold_released"
	case ChangeValuationInitialized:
		return "stock.valuation_initialized"
	case ChangeValuationReceipt:
		return "stock.valuation_received"
	case ChangeValuationIssue:
		return "stock.valuation_issued"
	default:
		panic(fmt.Sprintf("stock: unknown change type %q", string(c.Type)))
	}
}

// OnHandDelta is the signed change to on-hand quantity.
func (c Change) OnHandDelta() types.Quantity {
	switch c.Type {
	case ChangeReceipt, ChangePick, ChangeAdjustment:
		return c.Quantity
	case ChangeAllocation, ChangeDeallocation, ChangeStatusChange,
		ChangeHoldPlaced, ChangeHoldReleased,
		ChangeValuationInitialized, ChangeValuationReceipt, ChangeValuationIssue:
		return 0
	default:
		panic(fmt.Sprintf("stock: unknown change type %q", string(c.Type)))
	}
}

func (c Change) withMeta(m Meta) Change {
	c.OperatorID = m.OperatorID
	c.Comment = m.Comment
	c.SourceRef = m.SourceRef
	return c
}
