package provider

import (
	"sync"
	"time"
)

// RateLimiter decides whether a user may issue another provider request.
// The default implementation is per-process; a cross-process deployment can
// substitute a shared-store implementation behind the same interface.
type RateLimiter interface {
	Allow(userID string, now time.Time) bool
}

type slidingWindowLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	requests map[string][]time.Time
}

// NewSlidingWindowLimiter tracks request timestamps per user and allows at
// most max requests within the trailing window. Stale entries are discarded
// lazily on each check.
func NewSlidingWindowLimiter(window time.Duration, max int) RateLimiter {
	return &slidingWindowLimiter{
		window:   window,
		max:      max,
		requests: make(map[string][]time.Time),
	}
}

func (l *slidingWindowLimiter) Allow(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.requests[userID][:0]
	for _, t := range l.requests[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.requests[userID] = kept
		return false
	}
	l.requests[userID] = append(kept, now)
	return true
}
