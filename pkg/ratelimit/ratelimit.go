// Package ratelimit admits or rejects calls per organization in fixed time
// windows, counting both calls and units.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limits are per-window thresholds. A value <= 0 leaves that dimension unlimited.
type Limits struct {
	CallsPerWindow int64
	UnitsPerWindow int64
}

type Decision struct {
	Allowed    bool
	Calls      int64 // calls counted in the window after this decision
	Units      int64
	RetryAfter time.Duration
}

type Limiter interface {
	// Allow checks the current window and, when admitted, increments its
	// counters in the same atomic step. Admitted quota is never refunded.
	Allow(ctx context.Context, orgID string, units int64, limits Limits) (Decision, error)
}

// admit reports whether a call for units fits in a window holding calls/used.
func admit(calls, used, units int64, limits Limits) bool {
	if limits.CallsPerWindow > 0 && calls >= limits.CallsPerWindow {
		return false
	}
	if limits.UnitsPerWindow > 0 && used+units > limits.UnitsPerWindow {
		return false
	}
	return true
}

func windowKey(orgID string, bucket time.Time) string {
	return fmt.Sprintf("ratelimit:org:%s:%d", orgID, bucket.UnixMilli())
}

// retryAfter is a fixed hint of at least one second.
func retryAfter(hint time.Duration) time.Duration {
	if hint < time.Second {
		return time.Second
	}
	return hint
}
