package chatapi

import (
	"net/http"
	"sync"
	"time"

	"classchat/cmd/internal/realtime"
)

const maxTrackedUsers = 10_000

// userLimiter keeps one sliding window per user for write endpoints.
type userLimiter struct {
	events int
	window time.Duration

	mu    sync.Mutex
	users map[string]*userWindow
}

type userWindow struct {
	rl   *realtime.RateLimiter
	seen time.Time
}

func newUserLimiter(events int, window time.Duration) *userLimiter {
	return &userLimiter{events: events, window: window, users: make(map[string]*userWindow)}
}

func (l *userLimiter) allow(userID string, now time.Time) bool {
	l.mu.Lock()
	w := l.users[userID]
	if w == nil {
		if len(l.users) >= maxTrackedUsers {
			l.evictLocked(now)
		}
		w = &userWindow{rl: realtime.NewRateLimiter(l.events, l.window)}
		l.users[userID] = w
	}
	w.seen = now
	l.mu.Unlock()

	return w.rl.Allow(now)
}

// evictLocked drops users idle for longer than the window.
func (l *userLimiter) evictLocked(now time.Time) {
	for id, w := range l.users {
		if now.Sub(w.seen) > l.window {
			delete(l.users, id)
		}
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	writeRetryable(w, http.StatusTooManyRequests, codeRateLimited, "too many requests", retryAfter)
}
