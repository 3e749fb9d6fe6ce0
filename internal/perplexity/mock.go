package perplexity

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no API key is set.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(req), nil
}

func buildMockReply(req ChatRequest) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		last = "the problem at hand"
	}
	if idx := strings.IndexByte(last, '\n'); idx > 0 {
		last = last[:idx]
	}
	if len(last) > 80 {
		last = last[:80]
	}

	lines := []string{
		fmt.Sprintf("• Considering: %s", last),
		"• There are trade-offs worth naming before deciding",
	}
	if req.Search {
		lines = append(lines, "• Let me fact-check that against current data")
	}
	return strings.Join(lines, "\n")
}
