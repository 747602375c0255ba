package stock

import (
	"fmt"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
)

// Apply performs the state transition recorded in c. Live operations and
// replay both go through here, so a replayed history reproduces the live
// state exactly.
//
// Changes must arrive in sequence order. On error s is left unchanged.
func Apply(s *State, c Change) error {
	if c.SKU != s.SKU {
		return apperror.NewInvariantViolation("change belongs to another sku").
			WithDetail("sku", s.SKU).
			WithDetail("changeSku", c.SKU)
	}
	if c.Sequence != s.Sequence+1 {
		return apperror.NewInvariantViolation("change out of sequence").
			WithDetail("sku", s.SKU).
			WithDetail("expected", s.Sequence+1).
			WithDetail("got", c.Sequence)
	}

	next := s.Clone()
	if err := transition(&next, c); err != nil {
		return err
	}

	next.Sequence = c.Sequence
	if c.OccurredAt.After(next.LastUpdated) {
		next.LastUpdated = c.OccurredAt
	}
	for st, q := range next.Partitions {
		if q.IsZero() {
			delete(next.Partitions, st)
		}
	}

	if err := next.CheckInvariants(); err != nil {
		return err
	}
	*s = next
	return nil
}

// ApplyAll applies changes in order.
func ApplyAll(s *State, changes []Change) error {
	for _, c := range changes {
		if err := Apply(s, c); err != nil {
			return err
		}
	}
	return nil
}

func transition(s *State, c Change) error {
	switch c.Type {
	case ChangeReceipt:
		s.OnHand += c.Quantity
		s.Partitions[c.Status] += c.Quantity
		if c.Lot != nil {
			s.LotTracked = true
			addToLot(s, *c.Lot, c.Status, c.Quantity)
		}

	case ChangePick:
		qty := c.Quantity.Neg()
		s.OnHand -= qty
		s.Partitions[StatusAvailable] -= qty
		s.Allocated -= qty
		for _, sl := range c.LotSlices {
			l, err := lotFor(s, sl)
			if err != nil {
				return err
			}
			l.Quantity -= sl.Quantity
			l.Allocated -= sl.Quantity
		}
		dropEmptyLots(s)

	case ChangeAllocation:
		s.Allocated += c.Quantity
		for _, sl := range c.LotSlices {
			l, err := lotFor(s, sl)
			if err != nil {
				return err
			}
			l.Allocated += sl.Quantity
		}

	case ChangeDeallocation:
		s.Allocated += c.Quantity
		for _, sl := range c.LotSlices {
			l, err := lotFor(s, sl)
			if err != nil {
				return err
			}
			l.Allocated -= sl.Quantity
		}

	case ChangeAdjustment:
		s.OnHand += c.Quantity
		s.Partitions[c.Status] += c.Quantity
		if c.Quantity.IsPositive() && c.Lot != nil {
			addToLot(s, *c.Lot, c.Status, c.Quantity)
		}
		for _, sl := range c.LotSlices {
			l, err := lotFor(s, sl)
			if err != nil {
				return err
			}
			l.Quantity -= sl.Quantity
		}
		dropEmptyLots(s)

	case ChangeStatusChange:
		s.Partitions[c.FromStatus] -= c.Quantity
		s.Partitions[c.ToStatus] += c.Quantity
		for _, sl := range c.LotSlices {
			l, err := lotFor(s, sl)
			if err != nil {
				return err
			}
			l.Quantity -= sl.Quantity
			addToLot(s, LotRef{Number: sl.Number, ExpiresAt: l.ExpiresAt}, c.ToStatus, sl.Quantity)
		}
		dropEmptyLots(s)

	case ChangeHoldPlaced:
		if c.Hold == nil {
			return apperror.NewInvariantViolation("hold placement without hold")
		}
		s.Holds = append(s.Holds, c.Hold.clone())

	case ChangeHoldReleased:
		idx := -1
		for i := range s.Holds {
			if s.Holds[i].ID == c.HoldID {
				idx = i
				break
			}
		}
		if idx < 0 || !s.Holds[idx].IsActive() {
			return apperror.NewInvariantViolation("release of unknown or released hold").WithDetail("holdId", c.HoldID)
		}
		at := c.OccurredAt
		h := &s.Holds[idx]
		h.Released = true
		h.ReleasedBy = c.Actor
		h.ReleasedAt = &at
		h.ReleaseReason = c.Reason

	case ChangeValuationInitialized:
		if s.Valuation != nil {
			return apperror.NewInvariantViolation("valuation already initialized")
		}
		if c.Valuation == nil {
			return apperror.NewInvariantViolation("valuation initialization without valuation")
		}
		s.Valuation = c.Valuation.Clone()

	case ChangeValuationReceipt:
		if s.Valuation == nil {
			return apperror.NewValuationNotInitialized(s.SKU)
		}
		if c.UnitCost == nil {
			return apperror.NewInvariantViolation("valuation receipt without unit cost")
		}
		if _, err := s.Valuation.OnReceipt(c.Quantity, *c.UnitCost, c.OccurredAt); err != nil {
			return err
		}

	case ChangeValuationIssue:
		if s.Valuation == nil {
			return apperror.NewValuationNotInitialized(s.SKU)
		}
		if _, err := s.Valuation.OnIssue(c.Quantity.Neg()); err != nil {
			return err
		}

	default:
		return apperror.NewInvariantViolation(fmt.Sprintf("unknown change type %q", string(c.Type)))
	}
	return nil
}

func addToLot(s *State, ref LotRef, status Status, qty types.Quantity) {
	if idx := findLot(s.Lots, ref.Number, status); idx >= 0 {
		s.Lots[idx].Quantity += qty
		return
	}
	l := Lot{Number: ref.Number, Status: status, Quantity: qty}
	if ref.ExpiresAt != nil {
		t := ref.ExpiresAt.UTC()
		l.ExpiresAt = &t
	}
	s.Lots = append(s.Lots, l)
	sortFEFO(s.Lots)
}

func lotFor(s *State, sl LotSlice) (*Lot, error) {
	idx := findLot(s.Lots, sl.Number, sl.Status)
	if idx < 0 {
		return nil, apperror.NewInvariantViolation("change references unknown lot").
			WithDetail("lot", sl.Number).
			WithDetail("status", string(sl.Status))
	}
	return &s.Lots[idx], nil
}

func dropEmptyLots(s *State) {
	kept := s.Lots[:0]
	for _, l := range s.Lots {
		if !l.Quantity.IsZero() {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	s.Lots = kept
}
