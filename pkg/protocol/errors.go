package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a story field that failed submission validation.
// It enables typed error discrimination via errors.As.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid story: %s: %s", e.Field, e.Reason)
}

// AccessDeniedError reports a principal that is not authorized for an
// operation on a resource.
type AccessDeniedError struct {
	Principal string
	Resource  string
	Operation string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s may not %s %s", e.Principal, e.Operation, e.Resource)
}

// BudgetExceededError is returned when the token guardian refuses an
// admission outright, or when the advised delay exceeds the gateway's cap.
// Delay is how long the caller should wait before it is worth retrying.
type BudgetExceededError struct {
	Provider string
	Model    string
	Window   string // which sliding window triggered, e.g. "1m"
	Delay    time.Duration
	Reason   string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded for %s/%s (%s window): %s",
		e.Provider, e.Model, e.Window, e.Reason)
}

// ProviderUnavailableError is returned when a provider's circuit breaker is
// open and no failover candidate could take the call.
type ProviderUnavailableError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: circuit open, retry in %s",
		e.Provider, e.RetryAfter.Round(time.Second))
}

// RateLimitedError is returned when the per-provider request limiter has no
// tokens left in the current minute.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry in %s",
		e.Provider, e.RetryAfter.Round(time.Second))
}

// ProviderCallError represents a failed call to a provider API. StatusCode
// is zero for transport-level failures that never produced a response.
type ProviderCallError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s call failed (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s call failed: %s", e.Provider, e.Message)
}

// CallTimeoutError represents a provider call that exceeded its deadline.
type CallTimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("provider %s call timed out after %s", e.Provider, e.Timeout)
}

// DependencyFailedError marks a job cancelled because a predecessor job
// failed permanently.
type DependencyFailedError struct {
	JobID         string
	PredecessorID string
	Stage         string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("job %s cancelled: predecessor %s (stage %s) failed",
		e.JobID, e.PredecessorID, e.Stage)
}

// Retryable reports whether err describes a transient condition worth
// retrying with backoff. Validation and access failures are permanent;
// budget, rate-limit, breaker and provider-call failures are not.
func Retryable(err error) bool {
	var (
		budget      *BudgetExceededError
		unavailable *ProviderUnavailableError
		rateLimited *RateLimitedError
		call        *ProviderCallError
		timeout     *CallTimeoutError
	)
	switch {
	case errors.As(err, &budget),
		errors.As(err, &unavailable),
		errors.As(err, &rateLimited),
		errors.As(err, &call),
		errors.As(err, &timeout):
		return true
	default:
		return false
	}
}
