package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// rateLimitScript is a Lua script for sliding window rate limiting
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

return {1, now + window}
`)

// PairingLimiter bounds how often a pairing code may be requested for one
// phone number. Repeated pairing attempts get the number flagged upstream.
type PairingLimiter interface {
	AllowPairing(ctx context.Context, phone string) (allowed bool, resetAt time.Time)
}

// RateLimiter is a sliding-window limiter shared by every broker instance
// pointed at the same Redis.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// CheckLimit records one hit on key and reports whether it fits the limit.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := time.Now().Unix()
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{fullKey},
		now,
		int64(window.Seconds()),
		limit,
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("rate limit check failed, denying request for safety")
		return false, time.Now().Add(window)
	}

	if len(result) != 2 {
		log.Warn().Str("key", key).Msg("unexpected rate limit result, denying request for safety")
		return false, time.Now().Add(window)
	}

	return result[0] == 1, time.Unix(result[1], 0)
}

type pairingRateLimiter struct {
	limiter *RateLimiter
	limit   int
	window  time.Duration
}

func NewPairingLimiter(limiter *RateLimiter, limit int, window time.Duration) PairingLimiter {
	return &pairingRateLimiter{limiter: limiter, limit: limit, window: window}
}

func (p *pairingRateLimiter) AllowPairing(ctx context.Context, phone string) (bool, time.Time) {
	return p.limiter.CheckLimit(ctx, "pairing:"+phone, p.limit, p.window)
}
