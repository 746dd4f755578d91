package gateway

import (
	"context"
	"time"
)

// Request is one generation call as the pipeline sees it. Provider and
// model are resolved at planning time; the gateway may still move the call
// to a failover provider unless Pinned is set.
type Request struct {
	Provider        string
	Model           string
	Prompt          string
	MaxTokens       int
	EstimatedTokens int
	JobID           string
	Pinned          bool          // explicit provider override: no failover
	Timeout         time.Duration // per-call deadline; gateway default when zero
}

// Usage is the token spend a provider reported for one call.
type Usage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// Response is the normalized result shape across heterogeneous providers.
type Response struct {
	Content      string        `json:"content"`
	Usage        Usage         `json:"usage"`
	FinishReason string        `json:"finish_reason"`
	Latency      time.Duration `json:"latency"`
	Provider     string        `json:"provider"`
}

// Caller is a provider-specific call adapter. Implementations translate the
// provider's wire format into the normalized Response and surface failures
// as *protocol.ProviderCallError so the gateway can classify them.
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
}
