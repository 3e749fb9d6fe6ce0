package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/perspectra/internal/reliability"
)

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("perplexity http status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient calls an OpenAI-style chat-completions endpoint.
type HTTPClient struct {
	url        string
	apiKey     string
	model      string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	backoffCap time.Duration
	logger     *zap.Logger
}

func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	url := strings.TrimSpace(cfg.BaseURL)
	if url == "" {
		url = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		url:        url,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      model,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: retries,
		backoff:    250 * time.Millisecond,
		backoffCap: 4 * time.Second,
		logger:     logger.With(zap.String("component", "perplexity")),
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	// Sonar models always search; verification widens the search context.
	WebSearchOptions *webSearchOptions `json:"web_search_options,omitempty"`
}

type webSearchOptions struct {
	SearchContextSize string `json:"search_context_size"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	body := completionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Search {
		body.WebSearchOptions = &webSearchOptions{SearchContextSize: "high"}
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if body.Temperature == 0 {
		body.Temperature = DefaultTemperature
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = DefaultMaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, c.backoff, c.backoffCap)
			c.logger.Warn("retrying chat completion",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}

		text, err := c.do(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func (c *HTTPClient) do(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var out completionResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return NoResponseText, nil
	}
	return out.Choices[0].Message.Content, nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.StatusCode)
	}
	return reliability.IsRetryableTransportError(err)
}
