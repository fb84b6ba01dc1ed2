package llm

import (
	"sync"
	"time"
)

// DefaultTurnLimit is the number of provider-backed turns a session may
// start per minute when no limit is configured.
const DefaultTurnLimit = 12

// RateLimiter caps provider-backed turns per session over a sliding window,
// bounding token spend when a front-end floods one conversation. It is safe
// for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  map[string][]time.Time
	// swept is when every key was last pruned.
	swept time.Time
}

// NewRateLimiter allows limit calls per key within window. Non-positive
// arguments select DefaultTurnLimit per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultTurnLimit
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{limit: limit, window: window, calls: make(map[string][]time.Time)}
}

// Allow records a call for key and reports whether it fits the window.
func (r *RateLimiter) Allow(key string) bool { return r.allowAt(key, time.Now()) }

func (r *RateLimiter) allowAt(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.swept) >= r.window {
		for k := range r.calls {
			r.prune(k, now)
		}
		r.swept = now
	}
	live := r.prune(key, now)
	if len(live) >= r.limit {
		return false
	}
	r.calls[key] = append(live, now)
	return true
}

// Forget drops the history of key when its session is evicted. Calls still
// inside the window keep counting, so cancelling a session does not reset
// its limit; those are dropped by a later sweep.
func (r *RateLimiter) Forget(key string) { r.forgetAt(key, time.Now()) }

func (r *RateLimiter) forgetAt(key string, now time.Time) {
	r.mu.Lock()
	r.prune(key, now)
	r.mu.Unlock()
}

// tracked is the number of keys with history.
func (r *RateLimiter) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// prune must be called with r.mu held.
func (r *RateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	kept := r.calls[key][:0]
	for _, t := range r.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(r.calls, key)
		return nil
	}
	r.calls[key] = kept
	return kept
}
