// Package websearch provides the knowledge collaborator backed by a
// SearxNG-compatible search endpoint.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/experts"
)

// Client queries a search endpoint that speaks the SearxNG JSON format.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a search client. endpoint is the instance base URL.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"results"`
}

// Search implements experts.KnowledgeSearcher.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]envelope.Fact, error) {
	u := fmt.Sprintf("%s/search?q=%s&format=json", c.endpoint, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", experts.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: search endpoint", experts.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: search endpoint returned %d", experts.ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	facts := make([]envelope.Fact, 0, maxResults)
	for _, r := range parsed.Results {
		if len(facts) >= maxResults {
			break
		}
		facts = append(facts, envelope.Fact{
			Title:   r.Title,
			Snippet: r.Content,
			Source:  r.URL,
		})
	}
	return facts, nil
}

var _ experts.KnowledgeSearcher = (*Client)(nil)
