package session

import (
	"time"

	"github.com/ent0n29/perspectra/internal/engine"
)

// Snapshot is a point-in-time view of a live session.
type Snapshot struct {
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id"`
	State          engine.State `json:"state"`
	IntervalMS     int64        `json:"interval_ms"`
	Subscribers    int          `json:"subscribers"`
	StartedAt      time.Time    `json:"started_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

// Options configures a Manager.
type Options struct {
	InactivityTimeout time.Duration
	Engine            engine.Config
	// EngineOptions are applied to every engine the manager creates.
	EngineOptions []engine.Option
	// SubscriberBuffer is the per-subscriber event queue length.
	SubscriberBuffer int
}
