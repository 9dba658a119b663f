package queue

import (
	"sync"
	"time"
)

// rateLimiter enforces at most max dispatches per rolling window. Zero max
// means unlimited.
type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window}
}

// Allow records a dispatch if the rolling window has room.
func (l *rateLimiter) Allow(now time.Time) bool {
	if l.max <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, stamp := range l.stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	l.stamps = kept

	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
