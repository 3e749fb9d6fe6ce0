package engine

import (
	"context"
	"time"

	"github.com/ent0n29/perspectra/internal/persona"
)

// Turn is one message in the conversation, produced by a persona or the user.
type Turn struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Speaker   persona.ID `json:"speaker"`
	CreatedAt time.Time  `json:"created_at"`
	Verified  bool       `json:"verified"`
	// Synthetic marks moderator topic-evolution prompts that were not
	// produced by the generator.
	Synthetic bool `json:"synthetic,omitempty"`
}

// State is a snapshot of the engine's conversation-level state.
type State struct {
	CurrentSpeaker persona.ID `json:"current_speaker,omitempty"`
	Round          int        `json:"round"`
	Topic          string     `json:"topic"`
	Active         bool       `json:"active"`
	PauseRequested bool       `json:"pause_requested"`
	LastTurnAt     time.Time  `json:"last_turn_at"`
}

// Config controls pacing and steering of the auto-conversation loop.
type Config struct {
	SpeakingInterval     time.Duration `json:"speaking_interval"`
	MaxRoundsPerTopic    int           `json:"max_rounds_per_topic"`
	TopicEvolution       bool          `json:"topic_evolution"`
	PauseOnUserInterrupt bool          `json:"pause_on_user_interrupt"`
}

const (
	DefaultSpeakingInterval  = 3 * time.Second
	DefaultMaxRoundsPerTopic = 8

	// CourtesyDelay is how long after an interrupt a persona replies.
	CourtesyDelay = time.Second

	// ContextTurns and ContextChars bound the rendered generation context.
	ContextTurns = 6
	ContextChars = 100
)

func DefaultConfig() Config {
	return Config{
		SpeakingInterval:     DefaultSpeakingInterval,
		MaxRoundsPerTopic:    DefaultMaxRoundsPerTopic,
		TopicEvolution:       true,
		PauseOnUserInterrupt: true,
	}
}

func (c Config) withDefaults() Config {
	if c.SpeakingInterval <= 0 {
		c.SpeakingInterval = DefaultSpeakingInterval
	}
	if c.MaxRoundsPerTopic <= 0 {
		c.MaxRoundsPerTopic = DefaultMaxRoundsPerTopic
	}
	return c
}

// Request is what the engine asks the generator for on each turn.
type Request struct {
	History  []Turn
	Persona  persona.ID
	Topic    string
	AutoMode bool
	Context  string
}

// Result is a generated utterance.
type Result struct {
	Text     string
	Verified bool
}

// Generator produces an utterance for a persona. Failures must be returned
// as errors, never as an empty success.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Hooks receive engine events. Hooks run outside the engine lock, one at a
// time, in the order the transitions happened.
type Hooks struct {
	OnMessage     func(Turn)
	OnStateChange func(State)
	OnError       func(error)
}

// TopicEvolutionPrefix precedes every synthetic topic-evolution prompt.
const TopicEvolutionPrefix = "🔄 **Topic Evolution**: "

// TopicEvolutionPrompts are the canned steering prompts.
var TopicEvolutionPrompts = []string{
	"Let's explore the potential risks and downsides",
	"What would be the long-term implications?",
	"How might this decision affect different stakeholders?",
	"What alternative approaches should we consider?",
	"What assumptions are we making that we should question?",
}
