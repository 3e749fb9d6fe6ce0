package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/perspectra/internal/persona"
)

var (
	ErrNotFound      = errors.New("conversation not found")
	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidInput  = errors.New("invalid input")
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusArchived  Status = "ARCHIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

type MessageType string

const (
	MessageStandard       MessageType = "STANDARD"
	MessageTopicEvolution MessageType = "TOPIC_EVOLUTION"
	MessageUser           MessageType = "USER"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageStandard, MessageTopicEvolution, MessageUser:
		return true
	default:
		return false
	}
}

const (
	ModeManual = "manual"
	ModeAuto   = "auto"
)

// Conversation is one decision problem owned by a user.
type Conversation struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Title          string       `json:"title"`
	Problem        string       `json:"problem"`
	Status         Status       `json:"status"`
	ActivePersonas []persona.ID `json:"active_personas"`
	Mode           string       `json:"mode"`
	TotalMessages  int          `json:"total_messages"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Message is a single utterance inside a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	Persona        persona.ID  `json:"persona"`
	FactChecked    bool        `json:"fact_checked"`
	MessageType    MessageType `json:"message_type"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ConversationSummary is a list entry with the newest message attached.
type ConversationSummary struct {
	Conversation
	LastMessage  *Message `json:"last_message,omitempty"`
	MessageCount int      `json:"message_count"`
}

// Patch carries optional conversation updates. Nil or empty fields are
// left unchanged.
type Patch struct {
	Title          *string
	Problem        *string
	Status         *Status
	ActivePersonas []persona.ID
	Mode           *string
}

// Store persists conversations and their messages. Lookups scoped to a
// user return ErrNotFound for conversations owned by someone else.
type Store interface {
	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	GetConversation(ctx context.Context, userID, id string) (Conversation, error)
	UpdateConversation(ctx context.Context, userID, id string, patch Patch) (Conversation, error)
	SetStatus(ctx context.Context, userID, id string, status Status) (Conversation, error)
	DeleteConversation(ctx context.Context, userID, id string) error
	AddMessage(ctx context.Context, userID, conversationID string, msg Message) (Message, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error)
	Close() error
}

// prepareConversation validates and fills defaults for a new record.
func prepareConversation(conv Conversation, id string, now time.Time) (Conversation, error) {
	conv.Title = strings.TrimSpace(conv.Title)
	conv.Problem = strings.TrimSpace(conv.Problem)
	if conv.Title == "" || conv.Problem == "" {
		return Conversation{}, fmt.Errorf("%w: title and problem are required", ErrInvalidInput)
	}
	if strings.TrimSpace(conv.UserID) == "" {
		return Conversation{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	conv.ID = id
	if conv.Status == "" {
		conv.Status = StatusActive
	}
	if !conv.Status.Valid() {
		return Conversation{}, ErrInvalidStatus
	}
	if len(conv.ActivePersonas) == 0 {
		conv.ActivePersonas = persona.Roster()
	}
	if conv.Mode == "" {
		conv.Mode = ModeManual
	}
	conv.TotalMessages = 0
	conv.CreatedAt = now
	conv.UpdatedAt = now
	return conv, nil
}

func prepareMessage(msg Message, id, conversationID string, now time.Time) (Message, error) {
	if strings.TrimSpace(msg.Content) == "" || msg.Persona == "" {
		return Message{}, fmt.Errorf("%w: content and persona are required", ErrInvalidInput)
	}
	if msg.ID == "" {
		msg.ID = id
	}
	msg.ConversationID = conversationID
	if msg.MessageType == "" {
		msg.MessageType = MessageStandard
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return msg, nil
}

func applyPatch(conv Conversation, patch Patch) (Conversation, error) {
	if patch.Status != nil && *patch.Status != "" {
		if !patch.Status.Valid() {
			return Conversation{}, ErrInvalidStatus
		}
		conv.Status = *patch.Status
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) != "" {
		conv.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Problem != nil && strings.TrimSpace(*patch.Problem) != "" {
		conv.Problem = strings.TrimSpace(*patch.Problem)
	}
	if len(patch.ActivePersonas) > 0 {
		conv.ActivePersonas = append([]persona.ID(nil), patch.ActivePersonas...)
	}
	if patch.Mode != nil && *patch.Mode != "" {
		conv.Mode = *patch.Mode
	}
	return conv, nil
}
