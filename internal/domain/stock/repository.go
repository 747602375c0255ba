package stock

import "context"

// Repository persists aggregates with optimistic locking.
type Repository interface {
	// Get loads the aggregate of sku. Returns a NOT_FOUND AppError if the SKU
	// has never been persisted.
	Get(ctx context.Context, sku string) (*Aggregate, error)

	// Save writes the aggregate if the stored version still equals
	// a.Version(), inserting when the version is 0. On success the aggregate
	// is marked with its new version; on a stale version it returns a
	// CONCURRENCY_CONFLICT AppError.
	Save(ctx context.Context, a *Aggregate) error

	// ListSKUs pages through persisted SKUs in ascending order.
	ListSKUs(ctx context.Context, afterSKU string, limit int) ([]string, error)
}
