package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrX1007/FusionBrain/core/experts"
)

func newSearchServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearch_ParsesResults(t *testing.T) {
	srv := newSearchServer(t, http.StatusOK, `{
		"results": [
			{"title": "Raft", "content": "a consensus algorithm", "url": "https://raft.github.io"},
			{"title": "Paxos", "content": "another one", "url": "https://example.com/paxos"},
			{"title": "Extra", "content": "beyond the cap", "url": "https://example.com/extra"}
		]
	}`)
	client := NewClient(srv.URL, 5*time.Second)

	facts, err := client.Search(context.Background(), "raft consensus", 2)
	require.NoError(t, err)

	require.Len(t, facts, 2)
	assert.Equal(t, "Raft", facts[0].Title)
	assert.Equal(t, "a consensus algorithm", facts[0].Snippet)
	assert.Equal(t, "https://raft.github.io", facts[0].Source)
}

func TestSearch_ServerErrorIsUnavailable(t *testing.T) {
	srv := newSearchServer(t, http.StatusInternalServerError, "")
	client := NewClient(srv.URL, 5*time.Second)

	_, err := client.Search(context.Background(), "raft", 5)
	assert.ErrorIs(t, err, experts.ErrServiceUnavailable)
}

func TestSearch_RateLimited(t *testing.T) {
	srv := newSearchServer(t, http.StatusTooManyRequests, "")
	client := NewClient(srv.URL, 5*time.Second)

	_, err := client.Search(context.Background(), "raft", 5)
	assert.ErrorIs(t, err, experts.ErrRateLimited)
}

func TestSearch_UnreachableEndpoint(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 500*time.Millisecond)

	_, err := client.Search(context.Background(), "raft", 5)
	assert.ErrorIs(t, err, experts.ErrServiceUnavailable)
}

func TestSearch_MalformedResponse(t *testing.T) {
	srv := newSearchServer(t, http.StatusOK, "not json at all")
	client := NewClient(srv.URL, 5*time.Second)

	_, err := client.Search(context.Background(), "raft", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode search response")
}
