package gateway

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's position for one provider.
type BreakerState string

// Breaker state constants.
const (
	BreakerClosed   BreakerState = "closed"    // calls flow normally
	BreakerOpen     BreakerState = "open"      // calls rejected without touching the network
	BreakerHalfOpen BreakerState = "half_open" // one trial call probing recovery
)

// BreakerConfig holds circuit breaker tuning, shared by every provider's
// breaker. Values live in config, never at call sites.
type BreakerConfig struct {
	Threshold int           // consecutive failures before opening (default 3)
	Cooldown  time.Duration // open duration before a half-open trial (default 60s)
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	out := *c
	if out.Threshold == 0 {
		out.Threshold = 3
	}
	if out.Cooldown == 0 {
		out.Cooldown = 60 * time.Second
	}
	return out
}

// BreakerStatus is a point-in-time snapshot for health reporting.
type BreakerStatus struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
}

// Breaker is a per-provider circuit breaker. State is a pure function of
// call outcomes and elapsed time; it is never persisted, so a process
// restart resets to closed.
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	trialInFlight       bool

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:     cfg.withDefaults(),
		state:   BreakerClosed,
		nowFunc: time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is open it
// returns false with the remaining cooldown; once the cooldown elapses it
// moves to half-open and admits exactly one trial call, rejecting
// concurrent callers until that trial reports an outcome.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, 0
	case BreakerOpen:
		elapsed := b.nowFunc().Sub(b.lastFailureAt)
		if elapsed < b.cfg.Cooldown {
			return false, b.cfg.Cooldown - elapsed
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return true, 0
	default: // half-open
		if b.trialInFlight {
			return false, b.cfg.Cooldown
		}
		b.trialInFlight = true
		return true, 0
	}
}

// Success records a successful call. Returns true when this closed a
// previously open circuit, so the caller can publish a recovery event.
func (b *Breaker) Success() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	recovered := b.state != BreakerClosed
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	return recovered
}

// Failure records a failed call. Returns true when this opened the circuit.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureAt = b.nowFunc()

	switch b.state {
	case BreakerHalfOpen:
		// Trial failed; cooldown restarts.
		b.state = BreakerOpen
		b.trialInFlight = false
		return true
	case BreakerClosed:
		if b.consecutiveFailures >= b.cfg.Threshold {
			b.state = BreakerOpen
			return true
		}
	}
	return false
}

// Release abandons an admitted call that never reached the provider, so a
// rate-limit or budget rejection cannot leak the half-open trial slot.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.trialInFlight = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for the readiness endpoint.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
	}
}
