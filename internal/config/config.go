// Package config loads worker configuration from an optional file, a .env
// file and STOCKVAULT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"stockvault/internal/domain/inventory"
	"stockvault/internal/domain/outbox"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/infrastructure/cache"
	"stockvault/internal/infrastructure/codec"
	"stockvault/internal/infrastructure/http/ops"
	"stockvault/internal/infrastructure/messaging/kafka"
	"stockvault/internal/infrastructure/storage/postgres"
	"stockvault/pkg/logger"
)

// EnvPrefix prefixes every environment variable, e.g. STOCKVAULT_DATABASE_DSN.
const EnvPrefix = "STOCKVAULT"

// Config is the full worker configuration.
type Config struct {
	Env       string                   `mapstructure:"env"`
	Log       logger.Config            `mapstructure:"log"`
	Database  postgres.PoolConfig      `mapstructure:"database"`
	Kafka     kafka.Config             `mapstructure:"kafka"`
	Cache     cache.Config             `mapstructure:"cache"`
	Ops       ops.Config               `mapstructure:"ops"`
	Retention snapshot.RetentionPolicy `mapstructure:"retention"`
	Replay    snapshot.EngineOptions   `mapstructure:"replay"`
	Retry     inventory.RetryConfig    `mapstructure:"retry"`
	Relay     outbox.RelayConfig       `mapstructure:"relay"`
	Worker    WorkerConfig             `mapstructure:"worker"`
}

// WorkerConfig schedules the background loops.
type WorkerConfig struct {
	RelayInterval     time.Duration `mapstructure:"relay_interval"`
	DLQInterval       time.Duration `mapstructure:"dlq_interval"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	HoldSweepInterval time.Duration `mapstructure:"hold_sweep_interval"`
	// SnapshotTime is the UTC wall clock time (HH:MM) of the daily snapshot run.
	SnapshotTime string `mapstructure:"snapshot_time"`
	// PageSize is how many SKUs the scheduler loads per page.
	PageSize int `mapstructure:"page_size"`
	// Parallelism caps concurrent SKU groups in bulk processing.
	Parallelism int `mapstructure:"parallelism"`
	// CompressionThreshold is the encoded state size above which snapshot
	// states are zstd-compressed.
	CompressionThreshold int `mapstructure:"compression_threshold"`
}

// IsDevelopment reports whether the worker runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// Load reads configuration. path may be empty; a missing .env file is not an
// error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseClock(c.Worker.SnapshotTime); err != nil {
		errs = append(errs, err)
	}
	if c.Kafka.Topic == "" || len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// ParseClock parses an HH:MM wall clock time into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("worker.snapshot_time %q must be HH:MM: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.output_paths", []string{"stdout"})

	db := postgres.DefaultPoolConfig("")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", db.MaxConns)
	v.SetDefault("database.min_conns", db.MinConns)
	v.SetDefault("database.max_conn_lifetime", db.MaxConnLifetime)
	v.SetDefault("database.max_conn_idle_time", db.MaxConnIdleTime)
	v.SetDefault("database.health_check_period", db.HealthCheckPeriod)
	v.SetDefault("database.application_name", db.ApplicationName)

	k := kafka.DefaultConfig()
	v.SetDefault("kafka.brokers", k.Brokers)
	v.SetDefault("kafka.topic", k.Topic)
	v.SetDefault("kafka.client_id", k.ClientID)
	v.SetDefault("kafka.batch_size", k.BatchSize)
	v.SetDefault("kafka.batch_timeout", k.BatchTimeout)
	v.SetDefault("kafka.required_acks", k.RequiredAcks)
	v.SetDefault("kafka.write_timeout", k.WriteTimeout)
	v.SetDefault("kafka.breaker.max_requests", k.Breaker.MaxRequests)
	v.SetDefault("kafka.breaker.interval", k.Breaker.Interval)
	v.SetDefault("kafka.breaker.timeout", k.Breaker.Timeout)
	v.SetDefault("kafka.breaker.consecutive_failures", k.Breaker.ConsecutiveFailures)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.url", "")
	v.SetDefault("cache.addr", "127.0.0.1:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.key_prefix", "stockvault:state:")

	o := ops.DefaultConfig()
	v.SetDefault("ops.addr", o.Addr)
	v.SetDefault("ops.read_timeout", o.ReadTimeout)
	v.SetDefault("ops.write_timeout", o.WriteTimeout)
	v.SetDefault("ops.shutdown_timeout", o.ShutdownTimeout)

	r := snapshot.DefaultRetentionPolicy()
	v.SetDefault("retention.daily_days", r.DailyDays)
	v.SetDefault("retention.adhoc_days", r.AdHocDays)
	v.SetDefault("retention.month_end_years", r.MonthEndYears)
	v.SetDefault("retention.quarter_end_years", r.QuarterEndYears)

	v.SetDefault("replay.genesis_fallback", false)
	v.SetDefault("replay.cache_settle", time.Hour)

	rt := inventory.DefaultRetryConfig()
	v.SetDefault("retry.max_attempts", rt.MaxAttempts)
	v.SetDefault("retry.initial_interval", rt.InitialInterval)
	v.SetDefault("retry.max_interval", rt.MaxInterval)

	rl := outbox.DefaultRelayConfig()
	v.SetDefault("relay.batch_size", rl.BatchSize)
	v.SetDefault("relay.max_retries", rl.MaxRetries)
	v.SetDefault("relay.initial_backoff", rl.InitialBackoff)
	v.SetDefault("relay.max_backoff", rl.MaxBackoff)

	v.SetDefault("worker.relay_interval", 500*time.Millisecond)
	v.SetDefault("worker.dlq_interval", 5*time.Minute)
	v.SetDefault("worker.retention_interval", 6*time.Hour)
	v.SetDefault("worker.hold_sweep_interval", time.Minute)
	v.SetDefault("worker.snapshot_time", "23:55")
	v.SetDefault("worker.page_size", 500)
	v.SetDefault("worker.parallelism", 8)
	v.SetDefault("worker.compression_threshold", codec.DefaultThreshold)
}
