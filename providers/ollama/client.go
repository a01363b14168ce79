// Package ollama provides the Ollama-backed completion client. Ollama is a
// local LLM runtime for running open-source models.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/mrX1007/FusionBrain/core/experts"
	"github.com/mrX1007/FusionBrain/core/observability"
)

// Client wraps the Ollama API client to implement experts.CompletionClient.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates an Ollama client for the given host and model.
// hostURL should be the Ollama server URL (e.g., "http://localhost:11434").
func NewClient(hostURL, model string, timeout time.Duration) *Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		// Fall back to default if URL is invalid
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
	}
}

// Complete implements experts.CompletionClient.
func (c *Client) Complete(ctx context.Context, in experts.CompletionRequest) (string, error) {
	messages := []api.Message{}
	if in.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: in.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: in.Prompt})

	stream := false // single-shot completion, no streaming
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
		},
	}

	start := time.Now()
	var response api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		observability.RecordLLMCall(c.model, "error", durationMS)
		return "", classifyError(err)
	}

	observability.RecordLLMCall(c.model, "success", durationMS)
	return response.Message.Content, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// classifyError maps API failures onto the collaborator sentinels so stages
// can distinguish a degraded backend from a broken request.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return fmt.Errorf("%w: ollama server not reachable: %v", experts.ErrServiceUnavailable, err)
	case strings.Contains(errStr, "timeout"):
		return fmt.Errorf("%w: request timeout: %v", experts.ErrServiceUnavailable, err)
	case strings.Contains(errStr, "too many requests"):
		return fmt.Errorf("%w: %v", experts.ErrRateLimited, err)
	default:
		return fmt.Errorf("ollama api error: %w", err)
	}
}

var _ experts.CompletionClient = (*Client)(nil)
