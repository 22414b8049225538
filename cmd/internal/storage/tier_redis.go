package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	redisDefaultPrefix = "kb:"
	redisDefaultTTL    = 30 * 24 * time.Hour
)

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// RedisTier is the fast tier. Keys expire after the session max age so a
// forgotten record cannot outlive its validity.
//
// Calls go through a circuit breaker: once Redis keeps failing, the tier
// reports unavailable immediately instead of stalling every write.
type RedisTier struct {
	log    *slog.Logger
	rdb    *redis.Client
	cb     *gobreaker.CircuitBreaker
	prefix string
	ttl    time.Duration
}

// RedisOption configures RedisTier behavior.
type RedisOption func(*RedisTier)

// WithRedisPrefix sets the key prefix (default "kb:").
func WithRedisPrefix(prefix string) RedisOption {
	return func(t *RedisTier) {
		t.prefix = prefix
	}
}

// WithRedisTTL sets the key expiry (default 30 days). Zero disables expiry.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(t *RedisTier) {
		if ttl >= 0 {
			t.ttl = ttl
		}
	}
}

// WithRedisBreaker overrides the default breaker settings.
func WithRedisBreaker(st gobreaker.Settings) RedisOption {
	return func(t *RedisTier) {
		t.cb = gobreaker.NewCircuitBreaker(st)
	}
}

// NewRedisTier wraps rdb as a Tier.
func NewRedisTier(log *slog.Logger, rdb *redis.Client, opts ...RedisOption) *RedisTier {
	if log == nil {
		log = slog.Default()
	}
	t := &RedisTier{
		log:    log,
		rdb:    rdb,
		prefix: redisDefaultPrefix,
		ttl:    redisDefaultTTL,
	}
	t.cb = gobreaker.NewCircuitBreaker(t.defaultBreaker())
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(t)
	}
	return t
}

func (t *RedisTier) defaultBreaker() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "redis-tier",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.Warn("storage.redis.breaker", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

func (t *RedisTier) Name() string { return "redis" }

// BreakerState exposes the breaker state for readiness reporting.
func (t *RedisTier) BreakerState() gobreaker.State { return t.cb.State() }

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := t.cb.Execute(func() (interface{}, error) {
		b, err := t.rdb.Get(ctx, t.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is not a failure for the breaker.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, t.rdb.Set(ctx, t.prefix+key, value, t.ttl).Err()
	})
	return err
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, t.rdb.Del(ctx, t.prefix+key).Err()
	})
	return err
}
