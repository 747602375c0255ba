package stock

import (
	"sort"
	"strings"
	"time"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/id"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/valuation"
)

// System actor used for automatic hold releases.
const SystemActor = "system"

// AdjustOptions narrows an adjustment to a status partition and a lot.
type AdjustOptions struct {
	// Status defaults to AVAILABLE.
	Status Status
	// Lot is required for positive adjustments of lot-tracked stock.
	// Negative adjustments without a lot drain unallocated lots FEFO.
	Lot *LotRef
}

// Receive adds qty to on-hand in status (AVAILABLE when empty). The first
// receipt with a lot turns an empty SKU into a lot-tracked one.
func (a *Aggregate) Receive(qty types.Quantity, status Status, lot *LotRef, m Meta) (Change, error) {
	if !qty.IsPositive() {
		return Change{}, apperror.NewInvalidQuantity("receipt quantity must be positive", qty.Int64())
	}
	if a.state.OnHand.AddOverflows(qty) {
		return Change{}, apperror.NewInvalidQuantity("receipt would overflow on-hand", qty.Int64()).
			WithDetail("onHand", a.state.OnHand.Int64())
	}
	if status == "" {
		status = StatusAvailable
	}
	if !status.IsValid() {
		return Change{}, apperror.NewValidation("unknown stock status").WithDetail("status", string(status))
	}
	ref, err := a.checkLotRef(lot, true)
	if err != nil {
		return Change{}, err
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangeReceipt, m, at)
	c.Quantity = qty
	c.Status = status
	c.Lot = ref
	return a.commit(c)
}

// Allocate reserves qty of available-to-promise stock for an order.
// Lot-tracked stock is reserved from the earliest-expiring lots first.
func (a *Aggregate) Allocate(qty types.Quantity, orderRef string, m Meta) (Change, error) {
	if !qty.IsPositive() {
		return Change{}, apperror.NewInvalidQuantity("allocation quantity must be positive", qty.Int64())
	}
	if atp := a.AvailableToPromise(); qty > atp {
		return Change{}, apperror.NewInsufficientAvailability(a.SKU(), qty.Int64(), atp.Int64())
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangeAllocation, m, at)
	c.Quantity = qty
	c.OrderRef = orderRef
	if a.state.LotTracked {
		plan := planAllocation(a.state.Lots, qty, at)
		if plan == nil {
			return Change{}, apperror.NewInsufficientAvailability(a.SKU(), qty.Int64(), a.unexpiredUnallocated(at).Int64()).
				WithDetail("scope", "lots")
		}
		c.LotSlices = plan
	}
	return a.commit(c)
}

// Deallocate returns qty of allocated stock to available-to-promise.
func (a *Aggregate) Deallocate(qty types.Quantity, orderRef string, m Meta) (Change, error) {
	if !qty.IsPositive() {
		return Change{}, apperror.NewInvalidQuantity("deallocation quantity must be positive", qty.Int64())
	}
	if qty > a.state.Allocated {
		return Change{}, apperror.NewInvariantViolation("deallocation exceeds allocated quantity").
			WithDetail("requested", qty.Int64()).
			WithDetail("allocated", a.state.Allocated.Int64())
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangeDeallocation, m, at)
	c.Quantity = qty.Neg()
	c.OrderRef = orderRef
	if a.state.LotTracked {
		c.LotSlices = planRelease(a.state.Lots, qty)
	}
	return a.commit(c)
}

// Pick ships allocated stock: on-hand, AVAILABLE and allocated all drop by
// qty.
func (a *Aggregate) Pick(qty types.Quantity, orderRef string, m Meta) (Change, error) {
	if !qty.IsPositive() {
		return Change{}, apperror.NewInvalidQuantity("pick quantity must be positive", qty.Int64())
	}
	if qty > a.state.Allocated {
		return Change{}, apperror.NewInvariantViolation("pick exceeds allocated quantity").
			WithDetail("requested", qty.Int64()).
			WithDetail("allocated", a.state.Allocated.Int64())
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangePick, m, at)
	c.Quantity = qty.Neg()
	c.OrderRef = orderRef
	if a.state.LotTracked {
		c.LotSlices = planPick(a.state.Lots, qty)
	}
	return a.commit(c)
}

// Adjust changes on-hand by delta in a status partition.
func (a *Aggregate) Adjust(delta types.Quantity, reasonCode string, opts AdjustOptions, m Meta) (Change, error) {
	if delta.IsZero() {
		return Change{}, apperror.NewInvalidQuantity("adjustment delta must not be zero", 0)
	}
	return a.adjust(delta, reasonCode, opts, m)
}

// SetAbsolute records a physical count: on-hand becomes qty. A count equal
// to on-hand is recorded as a zero adjustment.
func (a *Aggregate) SetAbsolute(qty types.Quantity, reasonCode string, opts AdjustOptions, m Meta) (Change, error) {
	if qty.IsNegative() {
		return Change{}, apperror.NewInvalidQuantity("counted quantity must not be negative", qty.Int64())
	}
	return a.adjust(qty-a.state.OnHand, reasonCode, opts, m)
}

func (a *Aggregate) adjust(delta types.Quantity, reasonCode string, opts AdjustOptions, m Meta) (Change, error) {
	reasonCode = strings.TrimSpace(reasonCode)
	if reasonCode == "" {
		return Change{}, apperror.NewValidation("reason code is required")
	}
	target := opts.Status
	if target == "" {
		target = StatusAvailable
	}
	if !target.IsValid() {
		return Change{}, apperror.NewValidation("unknown stock status").WithDetail("status", string(target))
	}
	if a.state.OnHand.AddOverflows(delta) {
		return Change{}, apperror.NewInvalidQuantity("adjustment would overflow on-hand", delta.Int64()).
			WithDetail("onHand", a.state.OnHand.Int64())
	}
	if a.state.OnHand+delta < 0 {
		return Change{}, apperror.NewInvalidQuantity("adjustment would make on-hand negative", delta.Int64()).
			WithDetail("onHand", a.state.OnHand.Int64())
	}
	if a.Partition(target)+delta < 0 {
		return Change{}, apperror.NewInvalidQuantity("adjustment would make status partition negative", delta.Int64()).
			WithDetail("status", string(target)).
			WithDetail("partition", a.Partition(target).Int64())
	}
	if delta.IsNegative() && target.Promisable() {
		if a.Partition(target)+delta < a.state.Allocated+a.state.HeldQuantity() {
			return Change{}, apperror.NewInsufficientAvailability(a.SKU(), delta.Abs().Int64(), a.AvailableToPromise().Int64())
		}
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangeAdjustment, m, at)
	c.Quantity = delta
	c.Status = target
	c.Reason = reasonCode

	switch {
	case delta.IsPositive():
		ref, err := a.checkLotRef(opts.Lot, false)
		if err != nil {
			return Change{}, err
		}
		c.Lot = ref
	case delta.IsNegative() && a.state.LotTracked:
		slices, err := a.planLotRemoval(opts.Lot, target, delta.Abs())
		if err != nil {
			return Change{}, err
		}
		c.LotSlices = slices
	case delta.IsNegative() && opts.Lot != nil:
		return Change{}, apperror.NewValidation("sku is not lot-tracked")
	}
	return a.commit(c)
}

// ChangeStatus moves qty between status partitions. On-hand is unchanged.
// Lot-tracked stock moves the earliest-expiring unallocated lots of the
// source status.
func (a *Aggregate) ChangeStatus(qty types.Quantity, from, to Status, reason string, m Meta) (Change, error) {
	return a.changeStatus(qty, from, to, reason, "", m)
}

// ChangeLotStatus moves qty of one lot between status partitions.
func (a *Aggregate) ChangeLotStatus(qty types.Quantity, lotNumber string, from, to Status, reason string, m Meta) (Change, error) {
	lotNumber = strings.TrimSpace(lotNumber)
	if lotNumber == "" {
		return Change{}, apperror.NewValidation("lot number is required")
	}
	return a.changeStatus(qty, from, to, reason, lotNumber, m)
}

func (a *Aggregate) changeStatus(qty types.Quantity, from, to Status, reason, lotNumber string, m Meta) (Change, error) {
	if !qty.IsPositive() {
		return Change{}, apperror.NewInvalidQuantity("status change quantity must be positive", qty.Int64())
	}
	if !from.IsValid() || !to.IsValid() {
		return Change{}, apperror.NewValidation("unknown stock status").
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
	}
	if from == to {
		return Change{}, apperror.NewValidation("status change requires two different statuses")
	}
	if lotNumber != "" && !a.state.LotTracked {
		return Change{}, apperror.NewValidation("sku is not lot-tracked").WithDetail("sku", a.SKU())
	}
	if qty > a.Partition(from) {
		return Change{}, apperror.NewInvariantViolation("status change exceeds partition quantity").
			WithDetail("status", string(from)).
			WithDetail("requested", qty.Int64()).
			WithDetail("partition", a.Partition(from).Int64())
	}
	if from.Promisable() && a.Partition(from)-qty < a.state.Allocated+a.state.HeldQuantity() {
		return Change{}, apperror.NewInsufficientAvailability(a.SKU(), qty.Int64(), a.AvailableToPromise().Int64())
	}
	var slices []LotSlice
	if a.state.LotTracked {
		var lot *LotRef
		if lotNumber != "" {
			lot = &LotRef{Number: lotNumber}
		}
		var err error
		if slices, err = a.planLotRemoval(lot, from, qty); err != nil {
			return Change{}, err
		}
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangeStatusChange, m, at)
	c.Quantity = qty
	c.FromStatus = from
	c.ToStatus = to
	c.Reason = reason
	c.LotSlices = slices
	return a.commit(c)
}

// PlaceHold blocks qty of available-to-promise stock. The new hold id is
// returned in Change.HoldID.
func (a *Aggregate) PlaceHold(t HoldType, qty types.Quantity, reason, placedBy string, expiresAt *time.Time, m Meta) (Change, error) {
	if !t.IsValid() {
		return Change{}, apperror.NewValidation("unknown hold type").WithDetail("type", string(t))
	}
	if !qty.IsPositive() {
		return Change{}, apperror.NewInvalidQuantity("hold quantity must be positive", qty.Int64())
	}
	if atp := a.AvailableToPromise(); qty > atp {
		return Change{}, apperror.NewInsufficientAvailability(a.SKU(), qty.Int64(), atp.Int64())
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}
	if placedBy == "" {
		placedBy = m.OperatorID
	}

	h := Hold{
		ID:       id.New().String(),
		Type:     t,
		Quantity: qty,
		Reason:   reason,
		PlacedBy: placedBy,
		PlacedAt: at,
	}
	if expiresAt != nil {
		e := expiresAt.UTC()
		h.ExpiresAt = &e
	}

	c := a.next(ChangeHoldPlaced, m, at)
	c.Quantity = qty
	c.Hold = &h
	c.HoldID = h.ID
	c.Reason = reason
	c.Actor = placedBy
	return a.commit(c)
}

// ReleaseHold releases an active hold.
func (a *Aggregate) ReleaseHold(holdID, releasedBy, reason string, m Meta) (Change, error) {
	h, ok := a.Hold(holdID)
	if !ok {
		return Change{}, apperror.NewNotFound("hold", holdID)
	}
	if !h.IsActive() {
		return Change{}, apperror.NewInvariantViolation("hold already released").WithDetail("holdId", holdID)
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}
	if releasedBy == "" {
		releasedBy = m.OperatorID
	}

	c := a.next(ChangeHoldReleased, m, at)
	c.Quantity = h.Quantity.Neg()
	c.HoldID = holdID
	c.Reason = reason
	c.Actor = releasedBy
	return a.commit(c)
}

// ReleaseExpiredHolds releases every active hold whose expiry is at or
// before now, oldest placement first.
func (a *Aggregate) ReleaseExpiredHolds(now time.Time) ([]Change, error) {
	var expired []Hold
	for _, h := range a.state.Holds {
		if h.ExpiredAt(now) {
			expired = append(expired, h)
		}
	}
	sort.SliceStable(expired, func(i, j int) bool {
		if !expired[i].PlacedAt.Equal(expired[j].PlacedAt) {
			return expired[i].PlacedAt.Before(expired[j].PlacedAt)
		}
		return expired[i].ID < expired[j].ID
	})

	changes := make([]Change, 0, len(expired))
	for _, h := range expired {
		c, err := a.ReleaseHold(h.ID, SystemActor, "expired", Meta{OperatorID: SystemActor, At: now})
		if err != nil {
			return changes, err
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// InitializeValuation starts cost tracking with the current on-hand as the
// opening quantity. The method cannot change afterwards.
func (a *Aggregate) InitializeValuation(method valuation.Method, unitCost types.Money, currency string, m Meta) (Change, error) {
	if a.state.Valuation != nil {
		return Change{}, apperror.NewInvariantViolation("valuation already initialized").WithDetail("sku", a.SKU())
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}
	v, err := valuation.Initialize(method, unitCost, currency, a.state.OnHand, at)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangeValuationInitialized, m, at)
	c.Quantity = a.state.OnHand
	c.Valuation = v
	cost := types.RoundCost(unitCost)
	c.UnitCost = &cost
	return a.commit(c)
}

// ReceiveValuation records qty received at unitCost in the valuation. The
// units must already be on hand: receive the stock first, then value it.
func (a *Aggregate) ReceiveValuation(qty types.Quantity, unitCost types.Money, m Meta) (Change, error) {
	if a.state.Valuation == nil {
		return Change{}, apperror.NewValuationNotInitialized(a.SKU())
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}
	res, err := a.state.Valuation.Clone().OnReceipt(qty, unitCost, at)
	if err != nil {
		return Change{}, err
	}
	if valued := a.state.Valuation.Quantity; qty > a.state.OnHand-valued {
		return Change{}, apperror.NewInvariantViolation("valuation receipt exceeds unvalued on-hand").
			WithDetail("sku", a.SKU()).
			WithDetail("requested", qty.Int64()).
			WithDetail("valued", valued.Int64()).
			WithDetail("onHand", a.state.OnHand.Int64())
	}

	c := a.next(ChangeValuationReceipt, m, at)
	c.Quantity = qty
	cost := types.RoundCost(unitCost)
	c.UnitCost = &cost
	if a.state.Valuation.Method == valuation.Standard {
		c.Variance = &res.Variance
	}
	return a.commit(c)
}

// IssueValuation removes qty from the valuation; the cost of goods sold is
// returned in Change.COGS. Issue before the pick or negative adjustment
// that removes the units, since valued quantity may never exceed on-hand.
func (a *Aggregate) IssueValuation(qty types.Quantity, m Meta) (Change, error) {
	if a.state.Valuation == nil {
		return Change{}, apperror.NewValuationNotInitialized(a.SKU())
	}
	if !qty.IsPositive() {
		return Change{}, apperror.NewInvalidQuantity("issue quantity must be positive", qty.Int64())
	}
	if valued := a.state.Valuation.Quantity; qty > valued {
		return Change{}, apperror.NewInsufficientAvailability(a.SKU(), qty.Int64(), valued.Int64()).
			WithDetail("scope", "valuation")
	}
	at, err := a.stamp(m)
	if err != nil {
		return Change{}, err
	}
	cogs, err := a.state.Valuation.Clone().OnIssue(qty)
	if err != nil {
		return Change{}, err
	}

	c := a.next(ChangeValuationIssue, m, at)
	c.Quantity = qty.Neg()
	c.COGS = &cogs
	return a.commit(c)
}

// checkLotRef validates a lot reference against the lot-tracking mode.
// Receipts on an empty SKU may start lot tracking.
func (a *Aggregate) checkLotRef(lot *LotRef, receipt bool) (*LotRef, error) {
	if lot == nil {
		if a.state.LotTracked {
			return nil, apperror.NewValidation("lot is required for lot-tracked sku").WithDetail("sku", a.SKU())
		}
		return nil, nil
	}
	number := strings.TrimSpace(lot.Number)
	if number == "" {
		return nil, apperror.NewValidation("lot number is required")
	}
	startsTracking := receipt && !a.state.LotTracked && a.state.OnHand.IsZero()
	if !a.state.LotTracked && !startsTracking {
		return nil, apperror.NewValidation("sku is not lot-tracked").WithDetail("sku", a.SKU())
	}
	ref := &LotRef{Number: number}
	if lot.ExpiresAt != nil {
		e := lot.ExpiresAt.UTC()
		ref.ExpiresAt = &e
	}
	if existing, ok := lotExpiry(a.state.Lots, number); ok {
		if ref.ExpiresAt != nil && (existing == nil || !existing.Equal(*ref.ExpiresAt)) {
			return nil, apperror.NewValidation("lot expiry does not match existing lot").WithDetail("lot", number)
		}
		ref.ExpiresAt = existing
	}
	return ref, nil
}

// planLotRemoval takes qty of unallocated stock in status, from the named
// lot or FEFO across all lots of that status.
func (a *Aggregate) planLotRemoval(lot *LotRef, status Status, qty types.Quantity) ([]LotSlice, error) {
	if lot == nil {
		plan := planDrain(a.state.Lots, status, qty)
		if plan == nil {
			return nil, apperror.NewInsufficientAvailability(a.SKU(), qty.Int64(), unallocatedIn(a.state.Lots, status).Int64()).
				WithDetail("scope", "lots").
				WithDetail("status", string(status))
		}
		return plan, nil
	}
	idx := findLot(a.state.Lots, lot.Number, status)
	if idx < 0 {
		return nil, apperror.NewNotFound("lot", lot.Number).WithDetail("status", string(status))
	}
	if free := a.state.Lots[idx].Unallocated(); qty > free {
		return nil, apperror.NewInsufficientAvailability(a.SKU(), qty.Int64(), free.Int64()).
			WithDetail("lot", lot.Number).
			WithDetail("status", string(status))
	}
	return []LotSlice{{Number: lot.Number, Status: status, Quantity: qty}}, nil
}

func (a *Aggregate) unexpiredUnallocated(at time.Time) types.Quantity {
	var sum types.Quantity
	for _, l := range a.state.Lots {
		if l.Status == StatusAvailable && !l.ExpiredAt(at) {
			sum += l.Unallocated()
		}
	}
	return sum
}
