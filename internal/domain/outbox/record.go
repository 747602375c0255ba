// Package outbox turns stock changes into durable event records written in
// the same transaction as the aggregate state, and relays them to a message
// broker at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stockvault/internal/core/id"
	"stockvault/internal/domain/stock"
)

// AggregateType is the aggregate_type of every stock record.
const AggregateType = "StockAggregate"

// DeliveryState is the relay state of a record.
type DeliveryState string

const (
	StatePending   DeliveryState = "PENDING"
	StateDelivered DeliveryState = "DELIVERED"
	StateFailed    DeliveryState = "FAILED"
)

// IsValid checks if the delivery state is known.
func (s DeliveryState) IsValid() bool {
	switch s {
	case StatePending, StateDelivered, StateFailed:
		return true
	default:
		return false
	}
}

// Record is a row of the stock outbox.
type Record struct {
	ID            id.ID         `db:"id"`
	AggregateType string        `db:"aggregate_type"`
	AggregateID   string        `db:"aggregate_id"`
	Sequence      int64         `db:"sequence"`
	EventType     string        `db:"event_type"`
	Payload       []byte        `db:"payload"`
	DeliveryState DeliveryState `db:"delivery_state"`
	RetryCount    int           `db:"retry_count"`
	LastError     *string       `db:"last_error"`
	NextRetryAt   *time.Time    `db:"next_retry_at"`
	OccurredAt    time.Time     `db:"occurred_at"`
	CreatedAt     time.Time     `db:"created_at"`
	DeliveredAt   *time.Time    `db:"delivered_at"`
}

// Event is the JSON body consumers receive. ID equals the record id and is
// stable across redeliveries.
type Event struct {
	ID         id.ID        `json:"id"`
	Type       string       `json:"type"`
	SKU        string       `json:"sku"`
	Sequence   int64        `json:"sequence"`
	OccurredAt time.Time    `json:"occurredAt"`
	Change     stock.Change `json:"change"`
}

// FromChange builds a PENDING record for a change.
func FromChange(c stock.Change, now time.Time) (Record, error) {
	recID := id.New()
	ev := Event{
		ID:         recID,
		Type:       c.EventType(),
		SKU:        c.SKU,
		Sequence:   c.Sequence,
		OccurredAt: c.OccurredAt,
		Change:     c,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("marshal outbox event: %w", err)
	}
	return Record{
		ID:            recID,
		AggregateType: AggregateType,
		AggregateID:   c.SKU,
		Sequence:      c.Sequence,
		EventType:     ev.Type,
		Payload:       payload,
		DeliveryState: StatePending,
		OccurredAt:    c.OccurredAt,
		CreatedAt:     now.UTC(),
	}, nil
}

// FromChanges maps FromChange over a batch, preserving order.
func FromChanges(changes []stock.Change, now time.Time) ([]Record, error) {
	out := make([]Record, 0, len(changes))
	for _, c := range changes {
		r, err := FromChange(c, now)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Decode parses the record payload.
func (r *Record) Decode() (Event, error) {
	var ev Event
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode outbox record %s: %w", r.ID, err)
	}
	return ev, nil
}

// Writer stores records. It MUST be called inside the transaction that
// persists the aggregate; implementations refuse to write without one.
type Writer interface {
	Write(ctx context.Context, records []Record) error
}

// Handler delivers one record to subscribers.
type Handler interface {
	Handle(ctx context.Context, rec *Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, rec *Record) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, rec *Record) error { return f(ctx, rec) }
