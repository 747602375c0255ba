// Package metrics exposes stock operation, outbox relay and snapshot
// retention metrics to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockvault/internal/core/apperror"
	"stockvault/internal/domain/inventory"
	"stockvault/internal/domain/outbox"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/infrastructure/storage/postgres"
)

var (
	_ inventory.Observer         = (*Metrics)(nil)
	_ outbox.RelayObserver       = (*Metrics)(nil)
	_ snapshot.RetentionObserver = (*Metrics)(nil)
)

// Metrics holds all stockvault collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ConflictsTotal    *prometheus.CounterVec

	OutboxDeliveries *prometheus.CounterVec
	OutboxDLQMoved   prometheus.Counter

	SnapshotsDeleted *prometheus.CounterVec
	SnapshotsCreated prometheus.Counter
}

// New registers every collector on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stockvault"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_operations_total",
			Help:      "Stock operations by name and outcome code",
		},
		[]string{"op", "code"},
	)
	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stock_operation_duration_seconds",
			Help:      "Stock operation latency including conflict retries",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)
	m.ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_version_conflicts_total",
			Help:      "Optimistic lock conflicts that triggered a retry",
		},
		[]string{"op"},
	)
	m.OutboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts by event type and result",
		},
		[]string{"event_type", "result"},
	)
	m.OutboxDLQMoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_dead_letters_total",
		Help:      "Outbox records moved to the dead letter table",
	})
	m.SnapshotsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_deleted_total",
			Help:      "Snapshots deleted by retention",
		},
		[]string{"type"},
	)
	m.SnapshotsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_scheduled_total",
		Help:      "Snapshots captured by the scheduler",
	})

	registry.MustRegister(
		m.OperationsTotal, m.OperationDuration, m.ConflictsTotal,
		m.OutboxDeliveries, m.OutboxDLQMoved,
		m.SnapshotsDeleted, m.SnapshotsCreated,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation records one Execute call.
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	m.OperationsTotal.WithLabelValues(op, outcome(err)).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveConflict records a retried version conflict.
func (m *Metrics) ObserveConflict(op string) {
	m.ConflictsTotal.WithLabelValues(op).Inc()
}

// ObserveDelivery records one relay delivery attempt.
func (m *Metrics) ObserveDelivery(eventType string, delivered, dead bool) {
	result := "retry"
	switch {
	case delivered:
		result = "delivered"
	case dead:
		result = "failed"
	}
	m.OutboxDeliveries.WithLabelValues(eventType, result).Inc()
}

// ObserveDeadLetters records records moved to the DLQ.
func (m *Metrics) ObserveDeadLetters(n int64) {
	m.OutboxDLQMoved.Add(float64(n))
}

// ObserveRetention records snapshots deleted for a type.
func (m *Metrics) ObserveRetention(t snapshot.Type, deleted int64) {
	m.SnapshotsDeleted.WithLabelValues(string(t)).Add(float64(deleted))
}

// ObserveScheduled records snapshots captured by a scheduler run.
func (m *Metrics) ObserveScheduled(n int) {
	m.SnapshotsCreated.Add(float64(n))
}

// RegisterPool exports database pool gauges read at scrape time.
func (m *Metrics) RegisterPool(namespace string, stats func() postgres.PoolStats) {
	if namespace == "" {
		namespace = "stockvault"
	}
	gauge := func(name, help string, read func(postgres.PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(stats()) })
	}
	m.registry.MustRegister(
		gauge("total_conns", "Open connections", func(s postgres.PoolStats) float64 { return float64(s.TotalConns) }),
		gauge("acquired_conns", "Connections in use", func(s postgres.PoolStats) float64 { return float64(s.AcquiredConns) }),
		gauge("idle_conns", "Idle connections", func(s postgres.PoolStats) float64 { return float64(s.IdleConns) }),
		gauge("max_conns", "Pool size limit", func(s postgres.PoolStats) float64 { return float64(s.MaxConns) }),
	)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return apperror.CodeInternal
}
