package proxy

import (
	"sync"
	"time"
)

// FixedWindowLimiter enforces a hard per-minute request cap per key,
// resetting the counter at each wall-clock minute boundary rather than
// gradually refilling a token bucket — the exact contract spec.md
// §4.7 and its testable properties pin down, which
// golang.org/x/time/rate's token bucket does not reproduce.
type FixedWindowLimiter struct {
	limit int

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func NewFixedWindowLimiter(requestsPerMinute int) *FixedWindowLimiter {
	return &FixedWindowLimiter{limit: requestsPerMinute, windows: make(map[string]*window)}
}

// Allow reports whether key may make another request in the current
// window, incrementing its counter if so.
func (l *FixedWindowLimiter) Allow(key string) bool {
	return l.allowAt(key, time.Now())
}

func (l *FixedWindowLimiter) allowAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	minuteStart := now.Truncate(time.Minute)
	if !ok || w.start.Before(minuteStart) {
		w = &window{start: minuteStart, count: 0}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Remaining reports how many requests key may still make in the
// current window.
func (l *FixedWindowLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || w.start.Before(time.Now().Truncate(time.Minute)) {
		return l.limit
	}
	remaining := l.limit - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}
