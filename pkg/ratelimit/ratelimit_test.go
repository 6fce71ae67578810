package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newRedisLimiter(t *testing.T, clock *fixedClock) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLimiter(rdb, time.Second, 0)
	l.now = clock.Now
	return l, mr
}

func newMemoryLimiter(clock *fixedClock) *MemoryLimiter {
	l := NewMemoryLimiter(time.Second, 0)
	l.now = clock.Now
	return l
}

// limiterCases runs the same behavioral checks against both implementations.
func limiterCases(t *testing.T, build func(*testing.T, *fixedClock) Limiter) {
	ctx := context.Background()

	t.Run("call limit", func(t *testing.T) {
		clock := newClock()
		l := build(t, clock)
		limits := Limits{CallsPerWindow: 2, UnitsPerWindow: 1000}

		for i := 0; i < 2; i++ {
			d, err := l.Allow(ctx, "org", 1, limits)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := l.Allow(ctx, "org", 1, limits)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(2), d.Calls)
		assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
	})

	t.Run("unit limit", func(t *testing.T) {
		clock := newClock()
		l := build(t, clock)
		limits := Limits{CallsPerWindow: 100, UnitsPerWindow: 1000}

		d, err := l.Allow(ctx, "org", 600, limits)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		d, err = l.Allow(ctx, "org", 401, limits)
		require.NoError(t, err)
		assert.False(t, d.Allowed, "600 + 401 exceeds 1000")
		assert.Equal(t, int64(600), d.Units, "rejected calls do not consume quota")

		d, err = l.Allow(ctx, "org", 400, limits)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "600 + 400 is exactly the limit")
		assert.Equal(t, int64(1000), d.Units)
	})

	t.Run("window rolls over", func(t *testing.T) {
		clock := newClock()
		l := build(t, clock)
		limits := Limits{CallsPerWindow: 1}

		d, _ := l.Allow(ctx, "org", 5, limits)
		require.True(t, d.Allowed)
		d, _ = l.Allow(ctx, "org", 5, limits)
		require.False(t, d.Allowed)

		clock.Advance(time.Second)
		d, err := l.Allow(ctx, "org", 5, limits)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Calls)
	})

	t.Run("organizations are independent", func(t *testing.T) {
		clock := newClock()
		l := build(t, clock)
		limits := Limits{CallsPerWindow: 1}

		d, _ := l.Allow(ctx, "a", 1, limits)
		require.True(t, d.Allowed)
		d, _ = l.Allow(ctx, "b", 1, limits)
		assert.True(t, d.Allowed)
	})

	t.Run("zero limits are unlimited", func(t *testing.T) {
		clock := newClock()
		l := build(t, clock)
		for i := 0; i < 50; i++ {
			d, err := l.Allow(ctx, "org", 1_000_000, Limits{})
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
	})

	t.Run("concurrent callers never overshoot the call limit", func(t *testing.T) {
		clock := newClock()
		l := build(t, clock)
		limits := Limits{CallsPerWindow: 10}

		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.Allow(ctx, "org", 1, limits)
				if err == nil && d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 10, allowed)
	})
}

func TestMemoryLimiter(t *testing.T) {
	limiterCases(t, func(_ *testing.T, c *fixedClock) Limiter { return newMemoryLimiter(c) })
}

func TestRedisLimiter(t *testing.T) {
	limiterCases(t, func(t *testing.T, c *fixedClock) Limiter {
		l, _ := newRedisLimiter(t, c)
		return l
	})
}

func TestRedisLimiter_SetsTTL(t *testing.T) {
	clock := newClock()
	l, mr := newRedisLimiter(t, clock)

	_, err := l.Allow(context.Background(), "org", 3, Limits{CallsPerWindow: 5})
	require.NoError(t, err)

	key := windowKey("org", clock.Now().Truncate(time.Second))
	require.True(t, mr.Exists(key))
	assert.Equal(t, "1", mr.HGet(key, "calls"))
	assert.Equal(t, "3", mr.HGet(key, "units"))
	assert.Equal(t, 2*time.Second, mr.TTL(key))
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	clock := newClock()
	l, mr := newRedisLimiter(t, clock)
	mr.Close()

	_, err := l.Allow(context.Background(), "org", 1, Limits{CallsPerWindow: 5})
	require.Error(t, err)
}

func TestMemoryLimiter_SweepsExpiredWindows(t *testing.T) {
	clock := newClock()
	l := newMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = l.Allow(ctx, "org", 1, Limits{})
		clock.Advance(time.Second)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.LessOrEqual(t, len(l.windows), 2)
}
