package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockvault/internal/core/types"
	"stockvault/internal/domain/stock"
	"stockvault/internal/infrastructure/codec"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func newCodec(t *testing.T) *codec.StateCodec {
	c, err := codec.NewStateCodec(0)
	require.NoError(t, err)
	return c
}

func TestStateCache_Key(t *testing.T) {
	c := NewStateCache(nil, newCodec(t), Config{KeyPrefix: "sv:"})
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))

	assert.Equal(t, "sv:SKU-1:1767222000000000000", c.Key("SKU-1", at))
	assert.Equal(t, c.Key("SKU-1", at), c.Key("SKU-1", at.UTC()))
}

func TestStateCache_RoundTrip(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	c := NewStateCache(client, newCodec(t), Config{KeyPrefix: "stockvault-test:", TTL: time.Minute})
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	client.Del(ctx, c.Key("SKU-1", at))

	miss, err := c.Get(ctx, "SKU-1", at)
	require.NoError(t, err)
	assert.Nil(t, miss)

	st := stock.NewState("SKU-1")
	st.OnHand = 9
	st.Partitions[stock.StatusAvailable] = types.Quantity(9)
	st.Sequence = 2
	st.LastUpdated = at
	require.NoError(t, c.Set(ctx, "SKU-1", at, st))

	hit, err := c.Get(ctx, "SKU-1", at)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, st, *hit)
}
