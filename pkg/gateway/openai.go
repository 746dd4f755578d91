package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"loom/pkg/protocol"
)

// OpenAICaller adapts the OpenAI chat completions API (and compatible
// endpoints) to the Caller interface.
type OpenAICaller struct {
	Name    string
	BaseURL string // e.g. https://api.openai.com
	APIKey  string
	Client  *http.Client
}

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Call implements Caller.
func (o *OpenAICaller) Call(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  []openaiMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.APIKey)

	start := time.Now()
	resp, err := o.client().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &protocol.ProviderCallError{Provider: o.Name, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Response{}, &protocol.ProviderCallError{Provider: o.Name, Message: "read body: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, &protocol.ProviderCallError{
			Provider:   o.Name,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(raw), 300),
		}
	}

	var parsed openaiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &protocol.ProviderCallError{Provider: o.Name, Message: "decode response: " + err.Error()}
	}

	var content, finish string
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
		finish = parsed.Choices[0].FinishReason
	}
	return Response{
		Content: content,
		Usage: Usage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      parsed.Usage.TotalTokens,
		},
		FinishReason: finish,
		Latency:      time.Since(start),
		Provider:     o.Name,
	}, nil
}

func (o *OpenAICaller) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}
