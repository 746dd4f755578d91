package gateway

import (
	"sync"
	"time"
)

// RateLimiter throttles raw request count per provider per minute,
// independent of token volume. Token-bucket with a full refill at each
// minute boundary.
type RateLimiter struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset map[string]time.Time
	perMinute map[string]int

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter from the per-provider requests/minute
// table. Providers absent from the table are unlimited.
func NewRateLimiter(perMinute map[string]int) *RateLimiter {
	return &RateLimiter{
		tokens:    make(map[string]int),
		lastReset: make(map[string]time.Time),
		perMinute: perMinute,
		nowFunc:   time.Now,
	}
}

// Allow consumes one request slot for provider. When the bucket is empty it
// returns false and the wait until the next refill.
func (rl *RateLimiter) Allow(provider string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limit, limited := rl.perMinute[provider]
	if !limited || limit <= 0 {
		return true, 0
	}

	now := rl.nowFunc()
	last, seen := rl.lastReset[provider]
	if !seen || now.Sub(last) >= time.Minute {
		rl.tokens[provider] = limit
		rl.lastReset[provider] = now
		last = now
	}

	if rl.tokens[provider] > 0 {
		rl.tokens[provider]--
		return true, 0
	}
	return false, time.Minute - now.Sub(last)
}

// SetLimits swaps the requests/minute table. Called by config hot reload;
// buckets refill on their next minute boundary under the new limits.
func (rl *RateLimiter) SetLimits(perMinute map[string]int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.perMinute = perMinute
	rl.lastReset = make(map[string]time.Time)
}
