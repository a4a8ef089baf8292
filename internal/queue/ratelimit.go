package queue

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-client sliding window on submissions. Clients
// that omit an ID share the anonymous bucket.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// allow records a submission attempt and reports whether it is within the
// window. A non-positive limit disables limiting.
func (r *rateLimiter) allow(clientID string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	recent := r.hits[clientID][:0]
	for _, t := range r.hits[clientID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.hits[clientID] = recent
		return false
	}
	r.hits[clientID] = append(recent, now)
	return true
}
