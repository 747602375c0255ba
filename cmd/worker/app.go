package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"stockvault/internal/config"
	"stockvault/internal/domain/inventory"
	"stockvault/internal/domain/outbox"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/infrastructure/cache"
	"stockvault/internal/infrastructure/codec"
	"stockvault/internal/infrastructure/messaging/kafka"
	"stockvault/internal/infrastructure/metrics"
	"stockvault/internal/infrastructure/storage/postgres"
	"stockvault/internal/infrastructure/storage/postgres/stock_repo"
	"stockvault/pkg/logger"
)

// components holds everything a command needs. Close releases it.
type components struct {
	cfg       *config.Config
	pool      *postgres.Pool
	txm       *postgres.TxManager
	metrics   *metrics.Metrics
	service   *inventory.Service
	scheduler *inventory.Scheduler
	retainer  *snapshot.Retainer
	outbox    *postgres.OutboxStore

	closers []func() error
}

func bootstrap(ctx context.Context, cfg *config.Config) (*components, error) {
	logCfg := cfg.Log
	logCfg.Development = logCfg.Development || cfg.IsDevelopment()
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	otel.SetTextMapPropagator(kafka.Propagator())

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	c := &components{cfg: cfg, pool: pool}
	c.closers = append(c.closers, func() error { pool.Close(); return nil })

	c.txm = postgres.NewTxManager(pool)
	c.metrics = metrics.New("stockvault")
	c.metrics.RegisterPool("stockvault", pool.Stats)

	stateCodec, err := codec.NewStateCodec(cfg.Worker.CompressionThreshold)
	if err != nil {
		c.Close()
		return nil, err
	}

	var stateCache snapshot.StateCache
	if cfg.Cache.Enabled {
		client, err := cache.NewClient(ctx, cfg.Cache)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, client.Close)
		stateCache = cache.NewStateCache(client, stateCodec, cfg.Cache)
		logger.Info(ctx, "state cache enabled", "ttl", cfg.Cache.TTL)
	}

	aggregates := stock_repo.NewAggregateRepo(c.txm)
	entries := stock_repo.NewLedgerRepo(c.txm)
	snapshots := stock_repo.NewSnapshotRepo(c.txm, stateCodec)
	c.outbox = postgres.NewOutboxStore(c.txm)

	c.service = inventory.NewService(inventory.ServiceConfig{
		TxManager:   c.txm,
		Stock:       aggregates,
		Ledger:      entries,
		Outbox:      c.outbox,
		Snapshots:   snapshots,
		Replay:      snapshot.NewEngine(snapshots, entries, c.txm, stateCache, cfg.Replay),
		Retry:       cfg.Retry,
		Parallelism: cfg.Worker.Parallelism,
		Observer:    c.metrics,
	})
	c.scheduler = inventory.NewScheduler(c.service, cfg.Worker.PageSize)
	c.retainer = snapshot.NewRetainer(snapshots, cfg.Retention, c.metrics)
	return c, nil
}

// newRelay connects the outbox relay to Kafka.
func (c *components) newRelay() (*outbox.Relay, *kafka.Publisher) {
	publisher := kafka.NewPublisher(kafka.NewWriter(c.cfg.Kafka), c.cfg.Kafka)
	c.closers = append(c.closers, publisher.Close)
	return outbox.NewRelay(c.outbox, c.txm, publisher, c.cfg.Relay, c.metrics), publisher
}

// Close runs closers in reverse order.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}
