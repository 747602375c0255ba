package inventory

import (
	"context"
	"time"

	"stockvault/internal/core/types"
	"stockvault/internal/domain/stock"
	"stockvault/internal/domain/valuation"
)

// Operation names used in logs and metrics.
const (
	OpReceive             = "receive"
	OpAllocate            = "allocate"
	OpDeallocate          = "deallocate"
	OpPick                = "pick"
	OpAdjust              = "adjust"
	OpSetAbsolute         = "set_absolute"
	OpChangeStatus        = "change_status"
	OpChangeLotStatus     = "change_lot_status"
	OpPlaceHold           = "place_hold"
	OpReleaseHold         = "release_hold"
	OpReleaseExpiredHolds = "release_expired_holds"
	OpInitValuation       = "initialize_valuation"
	OpReceiveValuation    = "receive_valuation"
	OpIssueValuation      = "issue_valuation"
)

// Receive adds stock. The aggregate is created on the first receipt.
func (s *Service) Receive(ctx context.Context, sku string, qty types.Quantity, status stock.Status, lot *stock.LotRef, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpReceive, true, audit, receiveOp(qty, status, lot))
}

// Allocate reserves stock for an order.
func (s *Service) Allocate(ctx context.Context, sku string, qty types.Quantity, orderRef string, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpAllocate, false, audit, allocateOp(qty, orderRef))
}

// Deallocate releases an order reservation.
func (s *Service) Deallocate(ctx context.Context, sku string, qty types.Quantity, orderRef string, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpDeallocate, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.Deallocate(qty, orderRef, m)
	}))
}

// Pick ships allocated stock.
func (s *Service) Pick(ctx context.Context, sku string, qty types.Quantity, orderRef string, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpPick, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.Pick(qty, orderRef, m)
	}))
}

// Adjust changes on-hand by delta.
func (s *Service) Adjust(ctx context.Context, sku string, delta types.Quantity, reasonCode string, opts stock.AdjustOptions, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpAdjust, false, audit, adjustOp(delta, reasonCode, opts))
}

// SetAbsolute records a physical count.
func (s *Service) SetAbsolute(ctx context.Context, sku string, qty types.Quantity, reasonCode string, opts stock.AdjustOptions, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpSetAbsolute, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.SetAbsolute(qty, reasonCode, opts, m)
	}))
}

// ChangeStatus moves stock between status partitions.
func (s *Service) ChangeStatus(ctx context.Context, sku string, qty types.Quantity, from, to stock.Status, reason string, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpChangeStatus, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.ChangeStatus(qty, from, to, reason, m)
	}))
}

// ChangeLotStatus moves stock of one lot between status partitions.
func (s *Service) ChangeLotStatus(ctx context.Context, sku string, qty types.Quantity, lotNumber string, from, to stock.Status, reason string, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpChangeLotStatus, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.ChangeLotStatus(qty, lotNumber, from, to, reason, m)
	}))
}

// HoldRequest describes a hold to place.
type HoldRequest struct {
	Type      stock.HoldType
	Quantity  types.Quantity
	Reason    string
	PlacedBy  string
	ExpiresAt *time.Time
}

// PlaceHold blocks available stock and returns the new hold id.
func (s *Service) PlaceHold(ctx context.Context, sku string, req HoldRequest, audit Audit) (string, Result, error) {
	res, err := s.Execute(ctx, sku, OpPlaceHold, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.PlaceHold(req.Type, req.Quantity, req.Reason, req.PlacedBy, req.ExpiresAt, m)
	}))
	if err != nil {
		return "", Result{}, err
	}
	return res.Changes[0].HoldID, res, nil
}

// ReleaseHold releases an active hold.
func (s *Service) ReleaseHold(ctx context.Context, sku, holdID, releasedBy, reason string, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpReleaseHold, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.ReleaseHold(holdID, releasedBy, reason, m)
	}))
}

// ReleaseExpiredHolds releases every hold of sku expired at now and returns
// how many were released.
func (s *Service) ReleaseExpiredHolds(ctx context.Context, sku string, now time.Time) (int, error) {
	res, err := s.Execute(ctx, sku, OpReleaseExpiredHolds, false, Audit{}, func(a *stock.Aggregate, _ stock.Meta) ([]stock.Change, error) {
		return a.ReleaseExpiredHolds(now)
	})
	if err != nil {
		return 0, err
	}
	return len(res.Changes), nil
}

// InitializeValuation starts cost tracking for sku.
func (s *Service) InitializeValuation(ctx context.Context, sku string, method valuation.Method, unitCost types.Money, currency string, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpInitValuation, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.InitializeValuation(method, unitCost, currency, m)
	}))
}

// ReceiveValuation values received units at unitCost.
func (s *Service) ReceiveValuation(ctx context.Context, sku string, qty types.Quantity, unitCost types.Money, audit Audit) (Result, error) {
	return s.Execute(ctx, sku, OpReceiveValuation, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.ReceiveValuation(qty, unitCost, m)
	}))
}

// IssueValuation removes qty from valuation and returns the cost of goods
// sold.
func (s *Service) IssueValuation(ctx context.Context, sku string, qty types.Quantity, audit Audit) (types.Money, Result, error) {
	res, err := s.Execute(ctx, sku, OpIssueValuation, false, audit, single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.IssueValuation(qty, m)
	}))
	if err != nil {
		return types.Zero(), Result{}, err
	}
	return *res.Changes[0].COGS, res, nil
}

func receiveOp(qty types.Quantity, status stock.Status, lot *stock.LotRef) Op {
	return single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.Receive(qty, status, lot, m)
	})
}

func allocateOp(qty types.Quantity, orderRef string) Op {
	return single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.Allocate(qty, orderRef, m)
	})
}

func adjustOp(delta types.Quantity, reasonCode string, opts stock.AdjustOptions) Op {
	return single(func(a *stock.Aggregate, m stock.Meta) (stock.Change, error) {
		return a.Adjust(delta, reasonCode, opts, m)
	})
}
