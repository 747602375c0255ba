// Package ops serves the worker's operational HTTP surface: liveness and
// readiness probes, Prometheus metrics and read-only stock queries.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stockvault/internal/domain/inventory"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
	"stockvault/pkg/logger"
)

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) error

// StockQueries is the read side of inventory.Service.
type StockQueries interface {
	GetStock(ctx context.Context, sku string) (inventory.StockView, error)
	GetStateAt(ctx context.Context, sku string, at time.Time) (stock.State, error)
	GetDelta(ctx context.Context, sku string, from, to time.Time) (snapshot.Delta, error)
	History(ctx context.Context, sku string, f ledger.Filter) ([]ledger.Entry, error)
	ListSnapshots(ctx context.Context, sku string, f snapshot.ListFilter) ([]snapshot.Snapshot, error)
}

// Config holds the ops server settings.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig listens on :8081.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8081",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// RouterConfig wires the router's dependencies. Nil fields disable the
// matching routes or checks.
type RouterConfig struct {
	// Checks run on /health/ready, keyed by dependency name.
	Checks  map[string]Checker
	Metrics http.Handler
	Queries StockQueries
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(Trace(), RequestLogger(), ErrorHandler(), Recovery())

	health := &healthHandler{checks: cfg.Checks}
	r.GET("/health/live", health.Live)
	r.GET("/health/ready", health.Ready)

	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	if cfg.Queries != nil {
		h := &stockHandler{q: cfg.Queries}
		v1 := r.Group("/api/v1/stock/:sku")
		v1.GET("", h.Get)
		v1.GET("/at", h.At)
		v1.GET("/delta", h.Delta)
		v1.GET("/history", h.History)
		v1.GET("/snapshots", h.Snapshots)
	}
	return r
}

// Server runs the router until Shutdown.
type Server struct {
	cfg  Config
	http *http.Server
}

// NewServer creates a server for handler.
func NewServer(cfg Config, handler http.Handler) *Server {
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "ops server starting", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info(ctx, "ops server stopped")
	return nil
}
