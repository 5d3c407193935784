package server

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter keyed by caller identity. It
// guards the administrative override endpoints.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*rateWindow),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}

	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[key]
	if w == nil || now.Sub(w.start) > r.window {
		r.prune(now)
		w = &rateWindow{start: now}
		r.windows[key] = w
	}

	if w.count >= r.limit {
		return false
	}
	w.count++
	return true
}

// prune drops expired windows so the map does not grow with one entry
// per caller forever. Called with the mutex held.
func (r *rateLimiter) prune(now time.Time) {
	for key, w := range r.windows {
		if now.Sub(w.start) > r.window {
			delete(r.windows, key)
		}
	}
}
