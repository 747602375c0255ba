// Package kafka delivers stock outbox records to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"stockvault/internal/domain/outbox"
	"stockvault/pkg/logger"
)

// Header keys set on every message.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderAggregateType = "aggregate-type"
	HeaderSequence      = "sequence"
	HeaderOccurredAt    = "occurred-at"
	HeaderTraceParent   = "traceparent"
	HeaderTraceState    = "tracestate"
	HeaderBaggage       = "baggage"
)

// ErrBrokerUnavailable is returned while the circuit breaker is open.
var ErrBrokerUnavailable = errors.New("kafka: broker unavailable, circuit open")

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ outbox.Handler = (*Publisher)(nil)

// Publisher is an outbox.Handler that writes each record to Kafka keyed by
// SKU, so events of one SKU keep their order within a partition.
type Publisher struct {
	writer       MessageWriter
	breaker      *gobreaker.CircuitBreaker
	writeTimeout time.Duration
}

// NewWriter builds a synchronous kafka.Writer from cfg.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		WriteTimeout: cfg.WriteTimeout,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
}

// NewPublisher wraps writer with a circuit breaker configured by cfg.
func NewPublisher(writer MessageWriter, cfg Config) *Publisher {
	threshold := cfg.Breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultConfig().Breaker.ConsecutiveFailures
	}
	settings := gobreaker.Settings{
		Name:        "kafka-" + cfg.Topic,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Publisher{
		writer:       writer,
		breaker:      gobreaker.NewCircuitBreaker(settings),
		writeTimeout: cfg.WriteTimeout,
	}
}

// Handle publishes one record.
func (p *Publisher) Handle(ctx context.Context, rec *outbox.Record) error {
	msg := BuildMessage(ctx, rec)
	_, err := p.breaker.Execute(func() (any, error) {
		wctx := ctx
		if p.writeTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
			defer cancel()
		}
		return nil, p.writer.WriteMessages(wctx, msg)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	case err != nil:
		return fmt.Errorf("publish %s for %s: %w", rec.EventType, rec.AggregateID, err)
	}
	return nil
}

// State reports the breaker state, e.g. for readiness checks.
func (p *Publisher) State() gobreaker.State {
	return p.breaker.State()
}

// Ready fails while the breaker is open.
func (p *Publisher) Ready(context.Context) error {
	if p.breaker.State() == gobreaker.StateOpen {
		return ErrBrokerUnavailable
	}
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Propagator returns the W3C trace context and baggage propagator the
// binaries register globally.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// BuildMessage maps a record to a Kafka message. Trace headers come from
// the global otel propagator.
func BuildMessage(ctx context.Context, rec *outbox.Record) kafka.Message {
	msg := kafka.Message{
		Key:   []byte(rec.AggregateID),
		Value: rec.Payload,
		Time:  rec.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(rec.ID.String())},
			{Key: HeaderEventType, Value: []byte(rec.EventType)},
			{Key: HeaderAggregateType, Value: []byte(rec.AggregateType)},
			{Key: HeaderSequence, Value: []byte(strconv.FormatInt(rec.Sequence, 10))},
			{Key: HeaderOccurredAt, Value: []byte(rec.OccurredAt.UTC().Format(time.RFC3339Nano))},
		},
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	keys := carrier.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}
	return msg
}

// ExtractContext restores the trace context and baggage carried in msg
// headers, for consumers of the stock topic.
func ExtractContext(ctx context.Context, msg kafka.Message) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range msg.Headers {
		carrier.Set(h.Key, string(h.Value))
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
