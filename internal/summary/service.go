package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/observability"
	"github.com/ent0n29/perspectra/internal/perplexity"
)

var ErrNothingToSummarize = errors.New("messages and problem are required")

const summaryTemperature = 0.3

// Service produces decision summaries for finished or ongoing discussions.
type Service struct {
	client  perplexity.Client
	model   string
	cache   Cache
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(client perplexity.Client, model string, cache Cache, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:  client,
		model:   model,
		cache:   cache,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "summary")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Summarize analyzes messages about problem. A non-empty conversationID
// enables caching keyed by the message count.
func (s *Service) Summarize(ctx context.Context, conversationID, problem string, messages []Utterance) (Result, error) {
	if strings.TrimSpace(problem) == "" || len(messages) == 0 {
		return Result{}, ErrNothingToSummarize
	}

	if conversationID != "" {
		res, err := s.cache.Get(ctx, conversationID, len(messages))
		switch {
		case err == nil:
			res.Cached = true
			return res, nil
		case !errors.Is(err, ErrCacheMiss):
			s.logger.Warn("summary cache read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	start := time.Now()
	raw, err := s.client.Chat(ctx, perplexity.ChatRequest{
		Messages: []perplexity.Message{
			{Role: perplexity.RoleSystem, Content: analystSystemPrompt},
			{Role: perplexity.RoleUser, Content: buildPrompt(problem, messages)},
		},
		Model:       s.model,
		Temperature: summaryTemperature,
		MaxTokens:   perplexity.DefaultMaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate summary: %w", err)
	}
	s.metrics.ObserveTurnStage(observability.StageSummary, time.Since(start))

	res := Result{
		Summary:     Parse(raw),
		RawAnalysis: raw,
		GeneratedAt: s.now(),
	}
	if conversationID != "" {
		if err := s.cache.Set(ctx, conversationID, len(messages), res); err != nil {
			s.logger.Warn("summary cache write failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return res, nil
}
