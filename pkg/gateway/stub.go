package gateway

import (
	"context"
	"fmt"
	"time"
)

// StubCaller is a deterministic offline adapter. It reports the request's
// estimated tokens as actual usage, so budgets behave realistically in
// tests and dry runs without touching a provider.
type StubCaller struct {
	Name    string
	Latency time.Duration // simulated call time
}

// Call implements Caller.
func (s *StubCaller) Call(ctx context.Context, req Request) (Response, error) {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(s.Latency):
		}
	}
	completion := req.EstimatedTokens / 2
	return Response{
		Content:      fmt.Sprintf("stub output for job %s (%s)", req.JobID, req.Model),
		Usage:        Usage{Prompt: req.EstimatedTokens - completion, Completion: completion, Total: req.EstimatedTokens},
		FinishReason: "stop",
		Latency:      s.Latency,
		Provider:     s.Name,
	}, nil
}
