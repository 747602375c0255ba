// Package stock holds the per-SKU stock aggregate: on-hand quantity, status
// partitions, allocations, holds, lots and the valuation it owns.
//
// The aggregate performs no I/O. Every mutating operation validates against
// the current state and either fails leaving the state untouched, or applies
// and returns the Change it produced. Persisting the change (state, ledger,
// outbox) is the caller's job.
package stock

import (
	"strings"
	"time"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/valuation"
)

// State is the observable state of an aggregate. It is what snapshots store
// and what replay produces.
type State struct {
	SKU         string                    `json:"sku"`
	LotTracked  bool                      `json:"lotTracked,omitempty"`
	OnHand      types.Quantity            `json:"onHand"`
	Partitions  map[Status]types.Quantity `json:"partitions"`
	Allocated   types.Quantity            `json:"allocated"`
	Holds       []Hold                    `json:"holds,omitempty"`
	Lots        []Lot                     `json:"lots,omitempty"`
	Valuation   *valuation.Valuation      `json:"valuation,omitempty"`
	LastUpdated time.Time                 `json:"lastUpdated"`
	Sequence    int64                     `json:"sequence"`
}

// NewState returns the empty state of a SKU.
func NewState(sku string) State {
	return State{SKU: sku, Partitions: map[Status]types.Quantity{}}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.Partitions = make(map[Status]types.Quantity, len(s.Partitions))
	for k, v := range s.Partitions {
		c.Partitions[k] = v
	}
	if s.Holds != nil {
		c.Holds = make([]Hold, len(s.Holds))
		for i, h := range s.Holds {
			c.Holds[i] = h.clone()
		}
	}
	c.Lots = cloneLots(s.Lots)
	c.Valuation = s.Valuation.Clone()
	return c
}

// Partition returns the quantity in a status partition.
func (s State) Partition(st Status) types.Quantity {
	return s.Partitions[st]
}

// HeldQuantity sums active hold quantities.
func (s State) HeldQuantity() types.Quantity {
	var sum types.Quantity
	for _, h := range s.Holds {
		if h.IsActive() {
			sum += h.Quantity
		}
	}
	return sum
}

// AvailableToPromise = AVAILABLE - allocated - active holds.
func (s State) AvailableToPromise() types.Quantity {
	return s.Partition(StatusAvailable) - s.Allocated - s.HeldQuantity()
}

// ActiveHolds returns the holds that are not released.
func (s State) ActiveHolds() []Hold {
	var out []Hold
	for _, h := range s.Holds {
		if h.IsActive() {
			out = append(out, h.clone())
		}
	}
	return out
}

// CheckInvariants verifies every numeric invariant of the state.
func (s State) CheckInvariants() error {
	var sum types.Quantity
	for st, q := range s.Partitions {
		if !st.IsValid() {
			return apperror.NewInvariantViolation("unknown status partition").WithDetail("status", string(st))
		}
		if q.IsNegative() {
			return apperror.NewInvariantViolation("negative status partition").WithDetail("status", string(st))
		}
		sum += q
	}
	if sum != s.OnHand {
		return apperror.NewInvariantViolation("status partitions do not sum to on-hand").
			WithDetail("partitions", sum.Int64()).
			WithDetail("onHand", s.OnHand.Int64())
	}
	if s.OnHand.IsNegative() || s.Allocated.IsNegative() {
		return apperror.NewInvariantViolation("negative on-hand or allocated quantity")
	}
	if s.Allocated+s.HeldQuantity() > s.Partition(StatusAvailable) {
		return apperror.NewInvariantViolation("allocations and holds exceed available stock").
			WithDetail("allocated", s.Allocated.Int64()).
			WithDetail("held", s.HeldQuantity().Int64()).
			WithDetail("available", s.Partition(StatusAvailable).Int64())
	}
	if s.LotTracked {
		if err := s.checkLots(); err != nil {
			return err
		}
	}
	if s.Valuation != nil {
		if err := s.Valuation.Check(); err != nil {
			return err
		}
		if s.Valuation.Quantity > s.OnHand {
			return apperror.NewInvariantViolation("valued quantity exceeds on-hand").
				WithDetail("valued", s.Valuation.Quantity.Int64()).
				WithDetail("onHand", s.OnHand.Int64())
		}
	}
	return nil
}

// checkLots verifies that the lots of every status sum to that status
// partition and that only AVAILABLE lots carry allocations.
func (s State) checkLots() error {
	perStatus := make(map[Status]types.Quantity, len(s.Partitions))
	var lotAlloc types.Quantity
	for _, l := range s.Lots {
		if !l.Status.IsValid() {
			return apperror.NewInvariantViolation("lot in unknown status").
				WithDetail("lot", l.Number).
				WithDetail("status", string(l.Status))
		}
		if !l.Quantity.IsPositive() || l.Allocated.IsNegative() || l.Allocated > l.Quantity {
			return apperror.NewInvariantViolation("lot quantity out of range").
				WithDetail("lot", l.Number).
				WithDetail("status", string(l.Status))
		}
		if l.Status != StatusAvailable && !l.Allocated.IsZero() {
			return apperror.NewInvariantViolation("allocation on non-available lot").
				WithDetail("lot", l.Number).
				WithDetail("status", string(l.Status))
		}
		perStatus[l.Status] += l.Quantity
		lotAlloc += l.Allocated
	}
	for _, st := range Statuses() {
		if perStatus[st] != s.Partitions[st] {
			return apperror.NewInvariantViolation("lot quantities do not match status partition").
				WithDetail("status", string(st)).
				WithDetail("lotQuantity", perStatus[st].Int64()).
				WithDetail("partition", s.Partitions[st].Int64())
		}
	}
	if lotAlloc != s.Allocated {
		return apperror.NewInvariantViolation("lot allocations do not match aggregate").
			WithDetail("lotAllocated", lotAlloc.Int64()).
			WithDetail("allocated", s.Allocated.Int64())
	}
	return nil
}

// Aggregate is the stock aggregate root for one SKU.
type Aggregate struct {
	state   State
	version int64
}

// New creates an empty aggregate.
func New(sku string) (*Aggregate, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, apperror.NewValidation("sku is required")
	}
	return &Aggregate{state: NewState(sku)}, nil
}

// Restore rebuilds an aggregate from persisted state and version.
func Restore(s State, version int64) *Aggregate {
	s = s.Clone()
	if s.Partitions == nil {
		s.Partitions = map[Status]types.Quantity{}
	}
	return &Aggregate{state: s, version: version}
}

// SKU returns the aggregate identity.
func (a *Aggregate) SKU() string { return a.state.SKU }

// Version is the optimistic-lock token of the loaded state; 0 means never
// persisted.
func (a *Aggregate) Version() int64 { return a.version }

// MarkPersisted is called by repositories after a successful save.
func (a *Aggregate) MarkPersisted(version int64) { a.version = version }

// State returns a copy of the current state.
func (a *Aggregate) State() State { return a.state.Clone() }

func (a *Aggregate) OnHand() types.Quantity    { return a.state.OnHand }
func (a *Aggregate) Allocated() types.Quantity { return a.state.Allocated }
func (a *Aggregate) Sequence() int64           { return a.state.Sequence }
func (a *Aggregate) LastUpdated() time.Time    { return a.state.LastUpdated }
func (a *Aggregate) LotTracked() bool          { return a.state.LotTracked }

// Partition returns the quantity in status st.
func (a *Aggregate) Partition(st Status) types.Quantity { return a.state.Partition(st) }

// AvailableToPromise is derived, never stored.
func (a *Aggregate) AvailableToPromise() types.Quantity { return a.state.AvailableToPromise() }

// Hold finds a hold by id.
func (a *Aggregate) Hold(holdID string) (Hold, bool) {
	for _, h := range a.state.Holds {
		if h.ID == holdID {
			return h.clone(), true
		}
	}
	return Hold{}, false
}

// Valuation returns a copy of the valuation, or nil.
func (a *Aggregate) Valuation() *valuation.Valuation { return a.state.Valuation.Clone() }

// CheckInvariants verifies the current state.
func (a *Aggregate) CheckInvariants() error { return a.state.CheckInvariants() }

// stamp returns the effective time of a new change: never earlier than the
// previous change of this SKU.
func (a *Aggregate) stamp(m Meta) (time.Time, error) {
	if m.At.IsZero() {
		return time.Time{}, apperror.NewValidation("operation time is required")
	}
	at := m.At.UTC()
	if at.Before(a.state.LastUpdated) {
		at = a.state.LastUpdated
	}
	return at, nil
}

// next fills the identity fields of a change built by an operation.
func (a *Aggregate) next(t ChangeType, m Meta, at time.Time) Change {
	c := Change{
		Type:       t,
		SKU:        a.state.SKU,
		Sequence:   a.state.Sequence + 1,
		OccurredAt: at,
	}
	return c.withMeta(m)
}

// commit applies a change produced by an operation of this aggregate.
func (a *Aggregate) commit(c Change) (Change, error) {
	if err := Apply(&a.state, c); err != nil {
		return Change{}, err
	}
	return c, nil
}
