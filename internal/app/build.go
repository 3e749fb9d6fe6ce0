package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/chat"
	"github.com/ent0n29/perspectra/internal/config"
	"github.com/ent0n29/perspectra/internal/engine"
	"github.com/ent0n29/perspectra/internal/httpapi"
	"github.com/ent0n29/perspectra/internal/observability"
	"github.com/ent0n29/perspectra/internal/perplexity"
	"github.com/ent0n29/perspectra/internal/session"
	"github.com/ent0n29/perspectra/internal/store"
	"github.com/ent0n29/perspectra/internal/summary"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Provider string

	// Cleanup releases external resources (DB pool, Redis client).
	Cleanup func() error
}

// EngineConfig maps the AUTO_* settings onto the engine.
func EngineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		SpeakingInterval:     cfg.AutoSpeakingInterval,
		MaxRoundsPerTopic:    cfg.AutoMaxRoundsPerTopic,
		TopicEvolution:       cfg.AutoTopicEvolution,
		PauseOnUserInterrupt: cfg.AutoPauseOnInterrupt,
	}
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	conversations, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}

	client, err := perplexity.NewClient(perplexity.Config{
		Mode:       cfg.PerplexityMode,
		APIKey:     cfg.PerplexityAPIKey,
		BaseURL:    cfg.PerplexityBaseURL,
		Model:      cfg.PerplexityModel,
		Timeout:    cfg.PerplexityTimeout,
		RatePerSec: cfg.PerplexityRatePerSec,
		MaxRetries: cfg.PerplexityMaxRetries,
	}, logger)
	if err != nil {
		_ = conversations.Close()
		return nil, fmt.Errorf("perplexity client init failed: %w", err)
	}

	cache, err := summary.NewCache(ctx, summary.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.SummaryCacheTTL,
	}, logger)
	if err != nil {
		_ = conversations.Close()
		return nil, fmt.Errorf("summary cache init failed: %w", err)
	}

	generator := chat.NewGenerator(client, cfg.PerplexityModel, metrics, logger)
	summarizer := summary.NewService(client, cfg.PerplexityModel, cache, metrics, logger)

	sessions := session.NewManager(conversations, generator, session.Options{
		InactivityTimeout: cfg.SessionInactivityTimeout,
		Engine:            EngineConfig(cfg),
	}, metrics, logger)
	sessions.SetExpireHook(func(snap session.Snapshot) {
		logger.Debug("session expired",
			zap.String("conversation_id", snap.ConversationID),
			zap.Int("active_sessions", sessions.ActiveCount()),
		)
	})

	api := httpapi.New(cfg, conversations, sessions, generator, summarizer, metrics, logger)

	cleanup := func() error {
		sessions.Close()
		return errors.Join(cache.Close(), conversations.Close())
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Provider: perplexity.ProviderName(client),
		Cleanup:  cleanup,
	}, nil
}
