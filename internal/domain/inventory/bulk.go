package inventory

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"stockvault/internal/core/types"
	"stockvault/internal/domain/stock"
	"stockvault/pkg/logger"
)

// BatchItem is one operation of a bulk request.
type BatchItem struct {
	SKU    string
	Name   string
	Create bool
	Audit  Audit
	Op     Op
}

// ReceiveItem builds a bulk receipt.
func ReceiveItem(sku string, qty types.Quantity, status stock.Status, lot *stock.LotRef, audit Audit) BatchItem {
	return BatchItem{SKU: sku, Name: OpReceive, Create: true, Audit: audit, Op: receiveOp(qty, status, lot)}
}

// AllocateItem builds a bulk order allocation.
func AllocateItem(sku string, qty types.Quantity, orderRef string, audit Audit) BatchItem {
	return BatchItem{SKU: sku, Name: OpAllocate, Audit: audit, Op: allocateOp(qty, orderRef)}
}

// AdjustItem builds a bulk adjustment.
func AdjustItem(sku string, delta types.Quantity, reasonCode string, opts stock.AdjustOptions, audit Audit) BatchItem {
	return BatchItem{SKU: sku, Name: OpAdjust, Audit: audit, Op: adjustOp(delta, reasonCode, opts)}
}

// ItemResult is the outcome of one BatchItem. Index is the item's position
// in the request.
type ItemResult struct {
	Index  int
	SKU    string
	Result Result
	Err    error
}

// OK reports whether the item committed.
func (r ItemResult) OK() bool { return r.Err == nil }

// ApplyBatch runs items grouped by SKU: items of one SKU run one after
// another in request order, different SKUs run concurrently. Item failures
// are isolated and reported per item. Cancelling ctx stops SKU groups that
// have not started yet; their items fail with the context error.
func (s *Service) ApplyBatch(ctx context.Context, items []BatchItem) []ItemResult {
	results := make([]ItemResult, len(items))

	var order []string
	groups := make(map[string][]int)
	for i, it := range items {
		sku := strings.TrimSpace(it.SKU)
		results[i] = ItemResult{Index: i, SKU: sku}
		if _, ok := groups[sku]; !ok {
			order = append(order, sku)
		}
		groups[sku] = append(groups[sku], i)
	}

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, sku := range order {
		idxs := groups[sku]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				for _, i := range idxs {
					results[i].Err = err
				}
				return nil
			}
			for _, i := range idxs {
				it := items[i]
				res, err := s.Execute(ctx, sku, it.Name, it.Create, it.Audit, it.Op)
				results[i].Result = res
				results[i].Err = err
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logger.Info(ctx, "bulk stock batch processed", "items", len(items), "skus", len(order), "failed", failed)
	return results
}
