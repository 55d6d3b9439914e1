package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter backed by a ring of
// the last limit event times.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int
	count  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at now is permitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evict(now)
	if r.count == len(r.ring) {
		return false
	}
	r.ring[(r.head+r.count)%len(r.ring)] = now
	r.count++
	return true
}

// Remaining returns how many events are still allowed at now.
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evict(now)
	return len(r.ring) - r.count
}

func (r *RateLimiter) evict(now time.Time) {
	cut := now.Add(-r.window)
	for r.count > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % len(r.ring)
		r.count--
	}
}
