package reconnect

import (
	"sync"
	"time"
)

// windowLimiter counts reconnect attempts per device in a sliding window.
// Over the limit it does not reject; the caller adds a penalty delay.
type windowLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

// Record registers one attempt for key at now.
func (l *windowLimiter) Record(key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits[key] = append(l.evict(key, now), now)
}

// Allow reports whether another attempt for key fits in the window at now.
func (l *windowLimiter) Allow(key string, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.evict(key, now)
	l.hits[key] = kept
	return len(kept) < l.limit
}

// Count returns the attempts for key still inside the window.
func (l *windowLimiter) Count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.evict(key, now)
	l.hits[key] = kept
	return len(kept)
}

func (l *windowLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}

// evict drops timestamps that fell out of the window. Caller holds mu.
func (l *windowLimiter) evict(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	ts := l.hits[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
