// Package gateway fronts every generation provider call with three admission
// gates: a per-provider circuit breaker, a per-provider request-rate
// limiter, and the token guardian's budget check. Heterogeneous provider
// responses are normalized into one Response shape before they reach the
// pipeline.
//
// Gate order is deliberate: an open breaker short-circuits before any token
// budget is consulted, so a dead provider never burns budget, and the
// guardian's graduated delay is only paid once a call is actually going out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"loom/pkg/guardian"
	"loom/pkg/protocol"
)

// BudgetGuardian is the slice of the token guardian the gateway needs.
type BudgetGuardian interface {
	Check(ctx context.Context, provider, model string, estimatedTokens int) guardian.Decision
	Record(ctx context.Context, provider, model string, tokens int, jobID string)
}

// EventSink receives gateway lifecycle events. Satisfied by eventbus.Bus.
type EventSink interface {
	Publish(e protocol.Event)
}

// Config holds gateway tuning.
type Config struct {
	Breaker           BreakerConfig
	RequestsPerMinute map[string]int // per provider; absent = unlimited
	Failover          []string       // provider walk order when the preferred breaker is open
	MaxAdmissionDelay time.Duration  // guardian delays past this become a retry-later denial (default 5m)
	DefaultTimeout    time.Duration  // per-call deadline when the request carries none (default 60s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAdmissionDelay == 0 {
		out.MaxAdmissionDelay = 5 * time.Minute
	}
	if out.DefaultTimeout == 0 {
		out.DefaultTimeout = 60 * time.Second
	}
	return out
}

// Gateway dispatches generation requests through the admission gates.
type Gateway struct {
	cfg      Config
	guardian BudgetGuardian
	events   EventSink
	limiter  *RateLimiter

	mu       sync.Mutex
	callers  map[string]Caller
	breakers map[string]*Breaker

	// sleepFunc allows tests to skip real admission delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
	nowFunc   func() time.Time
}

// New creates a Gateway over the given provider adapters. guardian and
// events may be nil (no budget gate, no event emission).
func New(cfg Config, callers map[string]Caller, g BudgetGuardian, events EventSink) *Gateway {
	resolved := cfg.withDefaults()
	breakers := make(map[string]*Breaker, len(callers))
	for name := range callers {
		breakers[name] = NewBreaker(resolved.Breaker)
	}
	return &Gateway{
		cfg:       resolved,
		guardian:  g,
		events:    events,
		limiter:   NewRateLimiter(resolved.RequestsPerMinute),
		callers:   callers,
		breakers:  breakers,
		sleepFunc: sleepCtx,
		nowFunc:   time.Now,
	}
}

// Execute runs one generation request through breaker, rate limit and
// budget admission, then the provider adapter. The returned error is one of
// the protocol error types; callers discriminate with errors.As.
func (gw *Gateway) Execute(ctx context.Context, req Request) (Response, error) {
	provider, caller, err := gw.pickProvider(req)
	if err != nil {
		return Response{}, err
	}

	breaker := gw.breakerFor(provider)

	if ok, wait := gw.limiter.Allow(provider); !ok {
		breaker.Release()
		return Response{}, &protocol.RateLimitedError{Provider: provider, RetryAfter: wait}
	}

	if gw.guardian != nil {
		decision := gw.guardian.Check(ctx, provider, req.Model, req.EstimatedTokens)
		if !decision.Allowed {
			breaker.Release()
			gw.publishBudget(protocol.EventBudgetDenied, provider, req, decision)
			return Response{}, &protocol.BudgetExceededError{
				Provider: provider, Model: req.Model,
				Delay: decision.Delay, Reason: decision.Reason,
			}
		}
		if decision.Delay > gw.cfg.MaxAdmissionDelay {
			// Holding a worker for this long is worse than requeueing.
			breaker.Release()
			gw.publishBudget(protocol.EventBudgetDenied, provider, req, decision)
			return Response{}, &protocol.BudgetExceededError{
				Provider: provider, Model: req.Model,
				Delay:  decision.Delay,
				Reason: fmt.Sprintf("admission delay %s over cap %s", decision.Delay, gw.cfg.MaxAdmissionDelay),
			}
		}
		if decision.Delay > 0 {
			gw.publishBudget(protocol.EventBudgetDelayed, provider, req, decision)
			if err := gw.sleepFunc(ctx, decision.Delay); err != nil {
				breaker.Release()
				return Response{}, fmt.Errorf("admission delay interrupted: %w", err)
			}
		}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = gw.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := caller.Call(callCtx, req)
	if err != nil {
		gw.recordFailure(provider)
		return Response{}, gw.classify(provider, timeout, err)
	}

	if breaker.Success() {
		gw.publishBreaker(protocol.EventBreakerClosed, provider, protocol.SeverityInfo)
	}
	if gw.guardian != nil && resp.Usage.Total > 0 {
		gw.guardian.Record(ctx, provider, req.Model, resp.Usage.Total, req.JobID)
	}
	resp.Provider = provider
	return resp, nil
}

// pickProvider returns the first provider whose breaker admits the call,
// starting at the request's preferred provider and walking the configured
// failover order. Pinned requests never fail over.
func (gw *Gateway) pickProvider(req Request) (string, Caller, error) {
	candidates := []string{req.Provider}
	if !req.Pinned {
		for _, p := range gw.cfg.Failover {
			if p != req.Provider {
				candidates = append(candidates, p)
			}
		}
	}

	var firstWait time.Duration
	for i, name := range candidates {
		caller := gw.callerFor(name)
		if caller == nil {
			continue
		}
		breaker := gw.breakerFor(name)
		ok, wait := breaker.Allow()
		if ok {
			return name, caller, nil
		}
		if i == 0 {
			firstWait = wait
		}
	}
	return "", nil, &protocol.ProviderUnavailableError{Provider: req.Provider, RetryAfter: firstWait}
}

// classify maps adapter failures onto the protocol error taxonomy.
func (gw *Gateway) classify(provider string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &protocol.CallTimeoutError{Provider: provider, Timeout: timeout}
	}
	var call *protocol.ProviderCallError
	if errors.As(err, &call) && call.StatusCode == http.StatusTooManyRequests {
		return &protocol.RateLimitedError{Provider: provider, RetryAfter: time.Minute}
	}
	if errors.As(err, &call) {
		return call
	}
	return &protocol.ProviderCallError{Provider: provider, Message: err.Error()}
}

func (gw *Gateway) recordFailure(provider string) {
	if breaker := gw.breakerFor(provider); breaker != nil && breaker.Failure() {
		gw.publishBreaker(protocol.EventBreakerOpened, provider, protocol.SeverityWarning)
	}
}

func (gw *Gateway) callerFor(name string) Caller {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.callers[name]
}

func (gw *Gateway) breakerFor(name string) *Breaker {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.breakers[name]
}

// BreakerStates returns every provider's breaker snapshot for health
// reporting.
func (gw *Gateway) BreakerStates() map[string]BreakerStatus {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	out := make(map[string]BreakerStatus, len(gw.breakers))
	for name, b := range gw.breakers {
		out[name] = b.Status()
	}
	return out
}

// SetRateLimits swaps the request-rate table. Called by config hot reload.
func (gw *Gateway) SetRateLimits(perMinute map[string]int) {
	gw.limiter.SetLimits(perMinute)
}

func (gw *Gateway) publishBreaker(eventType, provider string, sev protocol.Severity) {
	if gw.events == nil {
		return
	}
	gw.events.Publish(protocol.Event{
		Type:      eventType,
		Severity:  sev,
		Timestamp: gw.nowFunc(),
		Metadata:  map[string]string{"provider": provider},
	})
}

func (gw *Gateway) publishBudget(eventType, provider string, req Request, d guardian.Decision) {
	if gw.events == nil {
		return
	}
	gw.events.Publish(protocol.Event{
		Type:      eventType,
		Severity:  protocol.SeverityWarning,
		Timestamp: gw.nowFunc(),
		JobID:     req.JobID,
		Metadata: map[string]string{
			"provider": provider,
			"model":    req.Model,
			"delay":    d.Delay.String(),
			"reason":   d.Reason,
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
