package perplexity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Message is one chat-completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is the normalized completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
	// Search asks for a wider web search, used when verifying claims.
	Search bool
}

// Client produces a single assistant reply.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// NoResponseText is returned when the provider answers without choices.
const NoResponseText = "No response generated"

const (
	DefaultBaseURL     = "https://api.perplexity.ai/chat/completions"
	DefaultModel       = "sonar"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// Config controls client construction.
type Config struct {
	Mode       string
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	RatePerSec float64
	MaxRetries int
}

func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockClient(), nil
		}
		return NewHTTPClient(cfg, logger), nil
	case "http":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("perplexity API key is required for http mode")
		}
		return NewHTTPClient(cfg, logger), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported perplexity mode %q", cfg.Mode)
	}
}

// ProviderName reports which backend a client talks to.
func ProviderName(c Client) string {
	switch c.(type) {
	case *HTTPClient:
		return "perplexity"
	case *MockClient:
		return "mock"
	default:
		return "custom"
	}
}
