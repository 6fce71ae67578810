package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	calls int64
	units int64
	ends  time.Time
}

// MemoryLimiter is the single-process limiter used when no Redis is configured.
type MemoryLimiter struct {
	mu         sync.Mutex
	windows    map[string]*window
	window     time.Duration
	retryAfter time.Duration
	now        func() time.Time
	lastSweep  time.Time
}

func NewMemoryLimiter(win, retry time.Duration) *MemoryLimiter {
	if win <= 0 {
		win = time.Second
	}
	return &MemoryLimiter{
		windows:    make(map[string]*window),
		window:     win,
		retryAfter: retryAfter(retry),
		now:        time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, orgID string, units int64, limits Limits) (Decision, error) {
	now := l.now()
	bucket := now.Truncate(l.window)
	key := windowKey(orgID, bucket)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w, ok := l.windows[key]
	if !ok {
		w = &window{ends: bucket.Add(l.window)}
		l.windows[key] = w
	}
	if !admit(w.calls, w.units, units, limits) {
		return Decision{Allowed: false, Calls: w.calls, Units: w.units, RetryAfter: l.retryAfter}, nil
	}
	w.calls++
	w.units += units
	return Decision{Allowed: true, Calls: w.calls, Units: w.units}, nil
}

// sweep drops expired windows at most once per window length.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for k, w := range l.windows {
		if !now.Before(w.ends) {
			delete(l.windows, k)
		}
	}
}
