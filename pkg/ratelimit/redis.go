package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript checks both counters of a window hash and increments them only
// when the call is admitted. Returns {allowed, calls, units}.
var allowScript = redis.NewScript(`
local calls = tonumber(redis.call('HGET', KEYS[1], 'calls') or '0')
local units = tonumber(redis.call('HGET', KEYS[1], 'units') or '0')
local maxCalls = tonumber(ARGV[1])
local maxUnits = tonumber(ARGV[2])
local req = tonumber(ARGV[3])
if (maxCalls > 0 and calls >= maxCalls) or (maxUnits > 0 and units + req > maxUnits) then
  return {0, calls, units}
end
calls = redis.call('HINCRBY', KEYS[1], 'calls', 1)
units = redis.call('HINCRBY', KEYS[1], 'units', req)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, calls, units}
`)

// RedisLimiter keeps one TTL'd hash per organization and window so that
// several engine instances share the same counters.
type RedisLimiter struct {
	rdb        redis.Scripter
	window     time.Duration
	retryAfter time.Duration
	now        func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, window, retry time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{rdb: rdb, window: window, retryAfter: retryAfter(retry), now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, orgID string, units int64, limits Limits) (Decision, error) {
	bucket := l.now().Truncate(l.window)
	key := windowKey(orgID, bucket)
	// Keep the hash a little past its window so late readers still see it.
	ttl := (2 * l.window).Milliseconds()

	res, err := allowScript.Run(ctx, l.rdb, []string{key},
		limits.CallsPerWindow, limits.UnitsPerWindow, units, ttl,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit check returned %d values", len(res))
	}

	d := Decision{Allowed: res[0] == 1, Calls: res[1], Units: res[2]}
	if !d.Allowed {
		d.RetryAfter = l.retryAfter
	}
	return d, nil
}
