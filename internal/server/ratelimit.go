package server

import (
	"sync"
	"time"
)

// FixedWindowLimiter counts requests per key in fixed, non-sliding windows.
// Windows reset lazily on the first request after expiry.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	startedAt time.Time
	count     int
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*rateWindow),
	}
}

// Consume records one request for key and reports whether it is allowed.
func (l *FixedWindowLimiter) Consume(key string, now time.Time) bool {
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || now.Sub(current.startedAt) >= l.window {
		l.windows[key] = &rateWindow{startedAt: now, count: 1}
		return true
	}

	current.count++
	return current.count <= l.limit
}
