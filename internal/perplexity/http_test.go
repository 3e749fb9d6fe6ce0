package perplexity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewHTTPClient(Config{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 2}, nil)
	c.backoff = time.Millisecond
	c.backoffCap = 2 * time.Millisecond
	return c
}

func TestHTTPClientSendsCompletionRequest(t *testing.T) {
	var got completionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"• ok"}}]}`))
	})

	text, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}},
		Search:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "• ok", text)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, DefaultTemperature, got.Temperature)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	require.NotNil(t, got.WebSearchOptions)
	assert.Equal(t, "high", got.WebSearchOptions.SearchContextSize)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
}

func TestHTTPClientPlainTurnKeepsDefaultSearch(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"• ok"}}]}`))
	})

	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.NotContains(t, raw, "disable_search")
	assert.NotContains(t, raw, "web_search_options")
}

func TestHTTPClientEmptyChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	text, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, NoResponseText, text)
}

func TestHTTPClientNonRetryableStatusCarriesBody(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	})
	_, err := c.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Contains(t, se.Body, "invalid api key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"recovered"}}]}`))
	})
	text, err := c.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientBodyIsCapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	})
	_, err := c.Chat(context.Background(), ChatRequest{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Len(t, se.Body, 4<<10)
}

func TestNewClientModes(t *testing.T) {
	c, err := NewClient(Config{Mode: "auto"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", ProviderName(c))

	c, err = NewClient(Config{Mode: "auto", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "perplexity", ProviderName(c))

	_, err = NewClient(Config{Mode: "http"}, nil)
	require.Error(t, err)

	_, err = NewClient(Config{Mode: "carrier-pigeon"}, nil)
	require.Error(t, err)
}

func TestMockClientEchoesLastUserMessage(t *testing.T) {
	c := NewMockClient()
	text, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "Should we expand to Berlin?\nmore detail"},
		},
		Search: true,
	})
	require.NoError(t, err)
	assert.Contains(t, text, "Should we expand to Berlin?")
	assert.NotContains(t, text, "more detail")
	assert.Contains(t, text, "fact-check")
}
