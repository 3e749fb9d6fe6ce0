package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/engine"
	"github.com/ent0n29/perspectra/internal/factcheck"
	"github.com/ent0n29/perspectra/internal/observability"
	"github.com/ent0n29/perspectra/internal/perplexity"
	"github.com/ent0n29/perspectra/internal/persona"
)

var (
	ErrInvalidPersona = errors.New("invalid persona type")
	// ErrEmptyReply means the provider answered with nothing renderable.
	ErrEmptyReply = errors.New("empty reply")
)

// Generator turns a persona request into a bulleted utterance.
type Generator struct {
	client  perplexity.Client
	model   string
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewGenerator(client perplexity.Client, model string, metrics *observability.Metrics, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		client:  client,
		model:   model,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "chat")),
	}
}

var _ engine.Generator = (*Generator)(nil)

func (g *Generator) Generate(ctx context.Context, req engine.Request) (engine.Result, error) {
	base, ok := persona.SystemPrompt(req.Persona)
	if !ok || !persona.IsAI(req.Persona) {
		return engine.Result{}, fmt.Errorf("%w: %q", ErrInvalidPersona, req.Persona)
	}

	contents := make([]string, 0, len(req.History))
	for _, t := range req.History {
		contents = append(contents, t.Content)
	}
	verify := factcheck.ShouldVerify(req.Persona, req.Topic, contents)

	messages := []perplexity.Message{
		{Role: perplexity.RoleSystem, Content: buildSystemPrompt(base, req.AutoMode, verify, req.Topic, req.Context)},
		{Role: perplexity.RoleUser, Content: buildUserPrompt(req.History, req.Persona, req.AutoMode, req.Topic)},
	}

	start := time.Now()
	reply, err := g.client.Chat(ctx, perplexity.ChatRequest{
		Messages: messages,
		Model:    g.model,
		Search:   verify,
	})
	elapsed := time.Since(start)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ProviderErrors.WithLabelValues(perplexity.ProviderName(g.client), errorCode(err)).Inc()
		}
		g.logger.Warn("persona generation failed",
			zap.String("persona", string(req.Persona)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return engine.Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if g.metrics != nil {
		g.metrics.ObserveGeneration(string(req.Persona), elapsed)
		if verify {
			g.metrics.ObserveTurnIndicator("fact_checked")
		}
	}

	g.logger.Debug("persona generated",
		zap.String("persona", string(req.Persona)),
		zap.Bool("verified", verify),
		zap.Duration("elapsed", elapsed),
	)
	reply = CleanReply(reply)
	if reply == "" {
		if g.metrics != nil {
			g.metrics.ProviderErrors.WithLabelValues(perplexity.ProviderName(g.client), "empty_reply").Inc()
		}
		return engine.Result{}, fmt.Errorf("%s turn: %w", req.Persona, ErrEmptyReply)
	}
	return engine.Result{Text: FormatBullets(reply), Verified: verify}, nil
}

func errorCode(err error) string {
	var se *perplexity.StatusError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("http_%d", se.StatusCode)
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}
