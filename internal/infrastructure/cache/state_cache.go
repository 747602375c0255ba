// Package cache memoizes reconstructed stock states in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
	"stockvault/internal/infrastructure/codec"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "stockvault:state:"
)

// Config holds Redis connection and cache settings. URL wins over Addr.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		var err error
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
	} else {
		addr := cfg.Addr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		opts = &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	}

	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

var _ snapshot.StateCache = (*StateCache)(nil)

// StateCache stores packed states keyed by SKU and timestamp. Only settled
// timestamps are cached by the replay engine, so entries never go stale and
// the TTL only bounds memory.
type StateCache struct {
	client redis.Cmdable
	codec  *codec.StateCodec
	ttl    time.Duration
	prefix string
}

// NewStateCache creates a cache over client.
func NewStateCache(client redis.Cmdable, c *codec.StateCodec, cfg Config) *StateCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &StateCache{client: client, codec: c, ttl: ttl, prefix: prefix}
}

// Key returns the cache key of sku at at.
func (c *StateCache) Key(sku string, at time.Time) string {
	return c.prefix + sku + ":" + strconv.FormatInt(at.UTC().UnixNano(), 10)
}

// Get returns the cached state, or nil on a miss.
func (c *StateCache) Get(ctx context.Context, sku string, at time.Time) (*stock.State, error) {
	blob, err := c.client.Get(ctx, c.Key(sku, at)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	st, err := c.codec.Unpack(blob)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *StateCache) Set(ctx context.Context, sku string, at time.Time, st stock.State) error {
	blob, err := c.codec.Pack(st)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.Key(sku, at), blob, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
