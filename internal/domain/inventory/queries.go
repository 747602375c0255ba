package inventory

import (
	"context"
	"errors"
	"strings"
	"time"

	"stockvault/internal/core/apperror"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
	"stockvault/internal/domain/valuation"
	"stockvault/pkg/logger"
)

var errReplayDisabled = errors.New("inventory: replay engine not configured")

// StockView is the read model of the live aggregate.
type StockView struct {
	SKU                string                          `json:"sku"`
	Version            int64                           `json:"version"`
	OnHand             types.Quantity                  `json:"onHand"`
	Allocated          types.Quantity                  `json:"allocated"`
	Held               types.Quantity                  `json:"held"`
	AvailableToPromise types.Quantity                  `json:"availableToPromise"`
	Partitions         map[stock.Status]types.Quantity `json:"partitions"`
	ActiveHolds        []stock.Hold                    `json:"activeHolds,omitempty"`
	Lots               []stock.Lot                     `json:"lots,omitempty"`
	Valuation          *valuation.Summary              `json:"valuation,omitempty"`
	LastUpdated        time.Time                       `json:"lastUpdated"`
}

// GetStock returns the current state of sku.
func (s *Service) GetStock(ctx context.Context, sku string) (StockView, error) {
	agg, err := s.stock.Get(ctx, strings.TrimSpace(sku))
	if err != nil {
		return StockView{}, err
	}
	st := agg.State()
	v := StockView{
		SKU:                st.SKU,
		Version:            agg.Version(),
		OnHand:             st.OnHand,
		Allocated:          st.Allocated,
		Held:               st.HeldQuantity(),
		AvailableToPromise: st.AvailableToPromise(),
		Partitions:         st.Partitions,
		ActiveHolds:        st.ActiveHolds(),
		Lots:               st.Lots,
		LastUpdated:        st.LastUpdated,
	}
	if st.Valuation != nil {
		sum := st.Valuation.Summary()
		v.Valuation = &sum
	}
	return v, nil
}

// History returns ledger entries of sku, newest first.
func (s *Service) History(ctx context.Context, sku string, f ledger.Filter) ([]ledger.Entry, error) {
	return s.ledger.History(ctx, strings.TrimSpace(sku), f)
}

// CreateSnapshot captures the committed state of sku.
func (s *Service) CreateSnapshot(ctx context.Context, sku string, t snapshot.Type, reason snapshot.Reason, createdBy string) (*snapshot.Snapshot, error) {
	agg, err := s.stock.Get(ctx, strings.TrimSpace(sku))
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.New(agg.State(), t, reason, createdBy, s.clock())
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		return nil, err
	}
	logger.Info(ctx, "snapshot created",
		"sku", snap.SKU,
		"snapshot_id", snap.ID,
		"type", snap.Type,
		"reason", snap.Reason,
		"sequence", snap.Sequence,
	)
	return snap, nil
}

// ListSnapshots returns snapshots of sku, newest first.
func (s *Service) ListSnapshots(ctx context.Context, sku string, f snapshot.ListFilter) ([]snapshot.Snapshot, error) {
	return s.snapshots.List(ctx, strings.TrimSpace(sku), f)
}

// GetStateAt reconstructs the state of sku at a past time.
func (s *Service) GetStateAt(ctx context.Context, sku string, at time.Time) (stock.State, error) {
	if s.replay == nil {
		return stock.State{}, apperror.NewInternal(errReplayDisabled)
	}
	return s.replay.GetStateAt(ctx, strings.TrimSpace(sku), at)
}

// GetDelta returns the quantity change of sku between two past times.
func (s *Service) GetDelta(ctx context.Context, sku string, from, to time.Time) (snapshot.Delta, error) {
	if s.replay == nil {
		return snapshot.Delta{}, apperror.NewInternal(errReplayDisabled)
	}
	return s.replay.GetDelta(ctx, strings.TrimSpace(sku), from, to)
}
