// Command worker runs the stock core's background processes: the outbox
// relay, snapshot scheduling and retention, and expired hold release. It
// also exposes one-shot maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"stockvault/internal/config"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/infrastructure/http/ops"
	"stockvault/migrations"
	"stockvault/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "stockvault",
		Usage: "Inventory stock core worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML/JSON/TOML config file",
				EnvVars: []string{"STOCKVAULT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the relay, schedulers and ops server until interrupted",
				Action: withComponents(runWorker),
			},
			{
				Name:   "migrate",
				Usage:  "Apply the embedded schema",
				Action: withComponents(runMigrate),
			},
			{
				Name:  "retention",
				Usage: "Delete snapshots past their retention threshold",
				Flags: []cli.Flag{
					&cli.TimestampFlag{Name: "now", Usage: "Evaluate retention as of this time", Layout: time.RFC3339},
				},
				Action: withComponents(runRetention),
			},
			{
				Name:  "snapshot",
				Usage: "Capture snapshots of the given SKUs, or of all SKUs",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "sku", Usage: "SKU to snapshot (repeatable)"},
					&cli.StringFlag{Name: "type", Usage: "Snapshot type; defaults to AD_HOC for --sku, the scheduled type otherwise"},
					&cli.StringFlag{Name: "reason", Value: string(snapshot.ReasonManual)},
					&cli.StringFlag{Name: "by", Value: "cli"},
				},
				Action: withComponents(runSnapshot),
			},
			{
				Name:  "state-at",
				Usage: "Print the reconstructed state of a SKU at a past time",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sku", Required: true},
					&cli.TimestampFlag{Name: "at", Required: true, Layout: time.RFC3339},
				},
				Action: withComponents(runStateAt),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withComponents(fn func(c *cli.Context, comp *components) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		c.Context = ctx

		comp, err := bootstrap(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := comp.Close(); err != nil {
				logger.Warn(context.Background(), "shutdown", "error", err)
			}
		}()
		return fn(c, comp)
	}
}

func runWorker(c *cli.Context, comp *components) error {
	ctx := c.Context
	cfg := comp.cfg
	relay, publisher := comp.newRelay()

	snapshotAt, err := config.ParseClock(cfg.Worker.SnapshotTime)
	if err != nil {
		return err
	}
	now := func() time.Time { return time.Now().UTC() }

	router := ops.NewRouter(ops.RouterConfig{
		Checks: map[string]ops.Checker{
			"database": comp.pool.Ping,
			"kafka":    publisher.Ready,
		},
		Metrics: comp.metrics.Handler(),
		Queries: comp.service,
	})

	logger.Info(ctx, "worker starting",
		"relay_interval", cfg.Worker.RelayInterval,
		"snapshot_time", cfg.Worker.SnapshotTime,
		"ops_addr", cfg.Ops.Addr,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ops.NewServer(cfg.Ops, router).Run(ctx)
	})
	g.Go(func() error {
		return every(ctx, "outbox-relay", cfg.Worker.RelayInterval, func(ctx context.Context) error {
			// Drain while full batches come back.
			for {
				n, err := relay.ProcessBatch(ctx)
				if err != nil || n == 0 || n < cfg.Relay.BatchSize || ctx.Err() != nil {
					return err
				}
			}
		})
	})
	g.Go(func() error {
		return every(ctx, "outbox-dlq", cfg.Worker.DLQInterval, func(ctx context.Context) error {
			n, err := relay.MoveToDLQ(ctx)
			if n > 0 {
				comp.metrics.ObserveDeadLetters(n)
				logger.Warn(ctx, "outbox records moved to DLQ", "count", n)
			}
			return err
		})
	})
	g.Go(func() error {
		return every(ctx, "hold-sweep", cfg.Worker.HoldSweepInterval, func(ctx context.Context) error {
			_, err := comp.scheduler.SweepExpiredHolds(ctx, now())
			return err
		})
	})
	g.Go(func() error {
		return every(ctx, "snapshot-retention", cfg.Worker.RetentionInterval, func(ctx context.Context) error {
			_, err := comp.retainer.Run(ctx, now())
			return err
		})
	})
	g.Go(func() error {
		return daily(ctx, "snapshot-scheduler", snapshotAt, now, func(ctx context.Context) error {
			n, err := comp.scheduler.RunOnce(ctx, now())
			comp.metrics.ObserveScheduled(n)
			return err
		})
	})

	err = g.Wait()
	logger.Info(context.Background(), "worker stopped")
	return err
}

func runMigrate(c *cli.Context, comp *components) error {
	all, err := migrations.All()
	if err != nil {
		return err
	}
	conn, err := comp.pool.Acquire(c.Context)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	for _, m := range all {
		// Simple protocol: one file holds several statements.
		if _, err := conn.Conn().PgConn().Exec(c.Context, m.SQL).ReadAll(); err != nil {
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
		logger.Info(c.Context, "migration applied", "name", m.Name)
	}
	return nil
}

func runRetention(c *cli.Context, comp *components) error {
	now := time.Now().UTC()
	if at := c.Timestamp("now"); at != nil {
		now = at.UTC()
	}
	deleted, err := comp.retainer.Run(c.Context, now)
	if err != nil {
		return err
	}
	return printJSON(deleted)
}

func runSnapshot(c *cli.Context, comp *components) error {
	ctx := c.Context
	now := time.Now().UTC()
	skus := c.StringSlice("sku")

	if len(skus) == 0 {
		if c.String("type") != "" {
			return fmt.Errorf("--type requires --sku; full runs use the scheduled type")
		}
		n, err := comp.scheduler.RunOnce(ctx, now)
		comp.metrics.ObserveScheduled(n)
		fmt.Printf("captured %d snapshots (%s)\n", n, snapshot.ScheduledType(now))
		return err
	}

	t := snapshot.TypeAdHoc
	if raw := c.String("type"); raw != "" {
		parsed, err := snapshot.ParseType(raw)
		if err != nil {
			return err
		}
		t = parsed
	}
	reason, err := snapshot.ParseReason(c.String("reason"))
	if err != nil {
		return err
	}

	var out []*snapshot.Snapshot
	for _, sku := range skus {
		snap, err := comp.service.CreateSnapshot(ctx, sku, t, reason, c.String("by"))
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", sku, err)
		}
		out = append(out, snap)
	}
	return printJSON(out)
}

func runStateAt(c *cli.Context, comp *components) error {
	at := c.Timestamp("at").UTC()
	st, err := comp.service.GetStateAt(c.Context, c.String("sku"), at)
	if err != nil {
		return err
	}
	return printJSON(struct {
		At                 time.Time `json:"at"`
		AvailableToPromise int64     `json:"availableToPromise"`
		State              any       `json:"state"`
	}{at, st.AvailableToPromise().Int64(), st})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
