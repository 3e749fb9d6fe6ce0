package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl   MessageType = "client_control"
	TypeUserMessage     MessageType = "user_message"
	TypeMessageProduced MessageType = "message_produced"
	TypeStateChanged    MessageType = "state_changed"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

// Control actions accepted in client_control.
const (
	ActionStart       = "start"
	ActionPause       = "pause"
	ActionResume      = "resume"
	ActionStop        = "stop"
	ActionSetInterval = "set_interval"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type       MessageType `json:"type"`
	Action     string      `json:"action"`
	IntervalMS int64       `json:"interval_ms,omitempty"`
}

type UserMessage struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

// Message mirrors a stored conversation message on the wire.
type Message struct {
	ID          string    `json:"id"`
	Persona     string    `json:"persona"`
	Content     string    `json:"content"`
	FactChecked bool      `json:"fact_checked"`
	MessageType string    `json:"message_type"`
	CreatedAt   time.Time `json:"created_at"`
}

type MessageProduced struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Message        Message     `json:"message"`
}

type StateChanged struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	CurrentSpeaker string      `json:"current_speaker,omitempty"`
	Round          int         `json:"round"`
	Topic          string      `json:"topic"`
	Active         bool        `json:"active"`
	PauseRequested bool        `json:"pause_requested"`
	LastTurnAt     time.Time   `json:"last_turn_at"`
	IntervalMS     int64       `json:"interval_ms"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStart, ActionPause, ActionResume, ActionStop:
		case ActionSetInterval:
			if msg.IntervalMS <= 0 {
				return nil, errors.New("invalid client_control: interval_ms must be positive")
			}
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid user_message")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
