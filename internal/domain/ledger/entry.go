// Package ledger is the append-only change history of stock aggregates.
// Entries are written once, in the same transaction as the aggregate state,
// and never updated or deleted. Their per-SKU sequence order is the
// authoritative replay order.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stockvault/internal/core/id"
	"stockvault/internal/core/types"
	"stockvault/internal/domain/stock"
)

// Entry is one immutable ledger row.
type Entry struct {
	ID            id.ID            `db:"id" json:"id"`
	SKU           string           `db:"sku" json:"sku"`
	Sequence      int64            `db:"sequence" json:"sequence"`
	ChangeType    stock.ChangeType `db:"change_type" json:"changeType"`
	QuantityDelta types.Quantity   `db:"quantity_delta" json:"quantityDelta"`
	Reason        string           `db:"reason" json:"reason,omitempty"`
	Comment       string           `db:"comment" json:"comment,omitempty"`
	OperatorID    string           `db:"operator_id" json:"operatorId,omitempty"`
	SourceRef     string           `db:"source_ref" json:"sourceRef,omitempty"`
	OccurredAt    time.Time        `db:"occurred_at" json:"occurredAt"`
	Payload       json.RawMessage  `db:"payload" json:"payload"`
}

// FromChange builds the ledger entry for a change.
func FromChange(c stock.Change) (Entry, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal change %s/%d: %w", c.SKU, c.Sequence, err)
	}
	return Entry{
		ID:            id.New(),
		SKU:           c.SKU,
		Sequence:      c.Sequence,
		ChangeType:    c.Type,
		QuantityDelta: c.Quantity,
		Reason:        c.Reason,
		Comment:       c.Comment,
		OperatorID:    c.OperatorID,
		SourceRef:     firstNonEmpty(c.SourceRef, c.OrderRef),
		OccurredAt:    c.OccurredAt,
		Payload:       payload,
	}, nil
}

// FromChanges maps FromChange over a batch.
func FromChanges(changes []stock.Change) ([]Entry, error) {
	out := make([]Entry, 0, len(changes))
	for _, c := range changes {
		e, err := FromChange(c)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Change decodes the transition stored in the entry.
func (e Entry) Change() (stock.Change, error) {
	var c stock.Change
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return stock.Change{}, fmt.Errorf("decode ledger entry %s: %w", e.ID, err)
	}
	return c, nil
}

// Changes decodes a batch of entries in order.
func Changes(entries []Entry) ([]stock.Change, error) {
	out := make([]stock.Change, 0, len(entries))
	for _, e := range entries {
		c, err := e.Change()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Filter narrows a history query.
type Filter struct {
	From   *time.Time
	To     *time.Time
	Types  []stock.ChangeType
	Limit  int
	Offset int
}

// Repository is append-only: there is no update or delete.
type Repository interface {
	Append(ctx context.Context, entries []Entry) error

	// ListBetween returns entries of sku with sequence > afterSequence and
	// occurred_at <= until, in sequence order.
	ListBetween(ctx context.Context, sku string, afterSequence int64, until time.Time) ([]Entry, error)

	// History returns entries of sku for audit views, newest first.
	History(ctx context.Context, sku string, f Filter) ([]Entry, error)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
