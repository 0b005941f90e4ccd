package service

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	opts, err := redis.ParseURL("redis://localhost:6379/15") // DB 15 for tests
	if err != nil {
		t.Skip("Redis not available for testing")
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available for testing")
	}
	client.FlushDB(context.Background())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRateLimiter_Basic(t *testing.T) {
	client := newTestRedis(t)
	limiter := NewRateLimiter(client)
	ctx := context.Background()

	t.Run("allows requests within limit", func(t *testing.T) {
		key := "test:user1"
		limit := 3
		window := 10 * time.Second

		for i := 0; i < limit; i++ {
			allowed, _ := limiter.CheckLimit(ctx, key, limit, window)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}

		allowed, resetAt := limiter.CheckLimit(ctx, key, limit, window)
		assert.False(t, allowed, "Request should be rate limited")
		assert.True(t, resetAt.After(time.Now()), "Reset time should be in future")
	})

	t.Run("different keys are independent", func(t *testing.T) {
		limit := 1
		window := 10 * time.Second

		allowed, _ := limiter.CheckLimit(ctx, "test:independent1", limit, window)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "test:independent1", limit, window)
		assert.False(t, allowed)

		allowed, _ = limiter.CheckLimit(ctx, "test:independent2", limit, window)
		assert.True(t, allowed)
	})
}

func TestRateLimiter_Failure(t *testing.T) {
	t.Run("denies when redis is unreachable", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
		defer client.Close()

		limiter := NewRateLimiter(client)
		allowed, resetAt := limiter.CheckLimit(context.Background(), "test:key", 1, time.Minute)
		assert.False(t, allowed)
		assert.True(t, resetAt.After(time.Now()))
	})
}

func TestPairingLimiter(t *testing.T) {
	client := newTestRedis(t)

	t.Run("limits pairing requests per phone", func(t *testing.T) {
		limiter := NewPairingLimiter(NewRateLimiter(client), 2, time.Minute)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			allowed, _ := limiter.AllowPairing(ctx, "15551234567")
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}
		allowed, _ := limiter.AllowPairing(ctx, "15551234567")
		assert.False(t, allowed)

		allowed, _ = limiter.AllowPairing(ctx, "15557654321")
		assert.True(t, allowed)
	})
}
