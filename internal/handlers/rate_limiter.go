package handlers

import (
	"sync"
	"time"
)

// rateLimiter bounds attempts per key inside a fixed window. Allow reports how long the caller
// must wait when the key is over its limit.
type rateLimiter interface {
	Allow(key string) (bool, time.Duration)
}

type windowRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]attemptWindow
}

type attemptWindow struct {
	attempts int
	resetAt  time.Time
}

func newWindowRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowRateLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]attemptWindow),
	}
}

func (l *windowRateLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.resetAt) {
		l.windows[key] = attemptWindow{attempts: 1, resetAt: now.Add(l.window)}
		l.evictExpiredLocked(now)
		return true, 0
	}
	if current.attempts >= l.limit {
		return false, current.resetAt.Sub(now)
	}
	current.attempts++
	l.windows[key] = current
	return true, 0
}

func (l *windowRateLimiter) evictExpiredLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
