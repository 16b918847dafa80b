package realtime

import (
	"sync"
	"time"
)

// rateLimiterSlack is extra event-slice capacity beyond the limit, so the
// append in Allow rarely reallocates at the window boundary.
const rateLimiterSlack = 8

// RateLimiter caps how many events a single connection may emit within a
// sliding window. One instance per connection; zero value is not usable.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the package
// defaults when given non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit+rateLimiterSlack),
		limit:  limit,
		window: window,
	}
}

// Allow records an event at time "now" and reports whether it fits within
// the window. Denied events are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now.Add(-r.window))

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// prune drops timestamps at or before cutoff, reusing the backing array.
func (r *RateLimiter) prune(cutoff time.Time) {
	kept := r.stamps[:0]
	for _, at := range r.stamps {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.stamps = kept
}
