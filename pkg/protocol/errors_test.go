package protocol_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"loom/pkg/protocol"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "budget exceeded is retryable",
			err:      &protocol.BudgetExceededError{Provider: "alpha", Model: "m1", Window: "1m"},
			expected: true,
		},
		{
			name:     "provider unavailable is retryable",
			err:      &protocol.ProviderUnavailableError{Provider: "beta", RetryAfter: time.Minute},
			expected: true,
		},
		{
			name:     "rate limited is retryable",
			err:      &protocol.RateLimitedError{Provider: "alpha", RetryAfter: 30 * time.Second},
			expected: true,
		},
		{
			name:     "provider call failure is retryable",
			err:      &protocol.ProviderCallError{Provider: "alpha", StatusCode: 500, Message: "boom"},
			expected: true,
		},
		{
			name:     "timeout is retryable",
			err:      &protocol.CallTimeoutError{Provider: "alpha", Timeout: time.Minute},
			expected: true,
		},
		{
			name:     "wrapped retryable stays retryable",
			err:      fmt.Errorf("execute stage draft: %w", &protocol.RateLimitedError{Provider: "alpha"}),
			expected: true,
		},
		{
			name:     "validation failure is permanent",
			err:      &protocol.ValidationError{Field: "id", Reason: "required"},
			expected: false,
		},
		{
			name:     "access denial is permanent",
			err:      &protocol.AccessDeniedError{Principal: "eve", Resource: "stories/p-1", Operation: "enqueue"},
			expected: false,
		},
		{
			name:     "dependency failure is permanent",
			err:      &protocol.DependencyFailedError{JobID: "j-2", PredecessorID: "j-1", Stage: "draft"},
			expected: false,
		},
		{
			name:     "plain error is permanent",
			err:      errors.New("disk on fire"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := protocol.Retryable(tt.err)
			if got != tt.expected {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestErrorMessagesCarryContext(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains []string
	}{
		{
			name:     "budget error names provider, model and window",
			err:      &protocol.BudgetExceededError{Provider: "alpha", Model: "m1", Window: "60m", Reason: "projected 1200 over limit 1000"},
			contains: []string{"alpha", "m1", "60m"},
		},
		{
			name:     "unavailable error carries retry hint",
			err:      &protocol.ProviderUnavailableError{Provider: "beta", RetryAfter: 60 * time.Second},
			contains: []string{"beta", "1m0s"},
		},
		{
			name:     "call error includes status code",
			err:      &protocol.ProviderCallError{Provider: "alpha", StatusCode: 503, Message: "upstream"},
			contains: []string{"alpha", "503", "upstream"},
		},
		{
			name:     "call error without status omits HTTP",
			err:      &protocol.ProviderCallError{Provider: "alpha", Message: "connection refused"},
			contains: []string{"alpha", "connection refused"},
		},
		{
			name:     "dependency error names the failed stage",
			err:      &protocol.DependencyFailedError{JobID: "j-9", PredecessorID: "j-3", Stage: "logic"},
			contains: []string{"j-9", "j-3", "logic"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestErrorsAsDiscrimination(t *testing.T) {
	wrapped := fmt.Errorf("gateway: %w", &protocol.BudgetExceededError{
		Provider: "alpha", Model: "m1", Window: "1m", Delay: 5 * time.Second,
	})

	var budget *protocol.BudgetExceededError
	if !errors.As(wrapped, &budget) {
		t.Fatal("errors.As failed to unwrap BudgetExceededError")
	}
	if budget.Delay != 5*time.Second {
		t.Errorf("Delay = %v, want 5s", budget.Delay)
	}

	var rateLimited *protocol.RateLimitedError
	if errors.As(wrapped, &rateLimited) {
		t.Error("errors.As matched the wrong error type")
	}
}
