package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// mustOpenTestRedis connects to KB_REDIS_URL, or starts a container when
// KB_TESTCONTAINERS is set. Otherwise the test is skipped.
func mustOpenTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped: -short")
	}

	ctx := context.Background()
	raw := strings.TrimSpace(os.Getenv("KB_REDIS_URL"))
	if raw == "" {
		if os.Getenv("KB_TESTCONTAINERS") == "" {
			t.Skip("integration test skipped: neither KB_REDIS_URL nor KB_TESTCONTAINERS is set")
		}
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		require.NoError(t, err, "start redis container")
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

		endpoint, err := container.Endpoint(ctx, "")
		require.NoError(t, err)
		raw = "redis://" + endpoint
	}

	rdb, err := NewRedisClient(ctx, raw)
	require.NoError(t, err)
	require.NoError(t, rdb.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisTier_Integration(t *testing.T) {
	rdb := mustOpenTestRedis(t)
	exerciseTier(t, NewRedisTier(testLogger(), rdb))
}

func TestRedisTier_PrefixAndTTL_Integration(t *testing.T) {
	rdb := mustOpenTestRedis(t)
	tier := NewRedisTier(testLogger(), rdb, WithRedisPrefix("test:"), WithRedisTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, DefaultRecordKey, []byte("v")))

	ttl, err := rdb.TTL(ctx, "test:"+DefaultRecordKey).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisTier_BreakerOpens_Integration(t *testing.T) {
	rdb := mustOpenTestRedis(t)
	tier := NewRedisTier(testLogger(), rdb, WithRedisBreaker(gobreaker.Settings{
		Name:    "test",
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	}))
	ctx := context.Background()

	require.NoError(t, rdb.Close())
	for range 2 {
		assert.Error(t, tier.Set(ctx, "k", []byte("v")))
	}
	assert.Equal(t, gobreaker.StateOpen, tier.BreakerState())

	err := tier.Set(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestRedisTier_MissDoesNotTrip_Integration(t *testing.T) {
	rdb := mustOpenTestRedis(t)
	tier := NewRedisTier(testLogger(), rdb)
	ctx := context.Background()

	for range 5 {
		_, err := tier.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, tier.BreakerState())
}
