package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/perspectra/internal/persona"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string][]Message
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) CreateConversation(_ context.Context, conv Conversation) (Conversation, error) {
	conv, err := prepareConversation(conv, uuid.NewString(), s.now())
	if err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, userID string) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConversationSummary, 0)
	for _, conv := range s.conversations {
		if conv.UserID != userID {
			continue
		}
		item := ConversationSummary{Conversation: cloneConversation(conv)}
		msgs := s.messages[conv.ID]
		item.MessageCount = len(msgs)
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			item.LastMessage = &last
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, userID, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.ownedLocked(userID, id)
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *InMemoryStore) UpdateConversation(_ context.Context, userID, id string, patch Patch) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.ownedLocked(userID, id)
	if !ok {
		return Conversation{}, ErrNotFound
	}
	conv, err := applyPatch(conv, patch)
	if err != nil {
		return Conversation{}, err
	}
	conv.UpdatedAt = s.now()
	s.conversations[id] = conv
	return cloneConversation(conv), nil
}

func (s *InMemoryStore) SetStatus(ctx context.Context, userID, id string, status Status) (Conversation, error) {
	if !status.Valid() {
		return Conversation{}, ErrInvalidStatus
	}
	return s.UpdateConversation(ctx, userID, id, Patch{Status: &status})
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ownedLocked(userID, id); !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *InMemoryStore) AddMessage(_ context.Context, userID, conversationID string, msg Message) (Message, error) {
	now := s.now()
	msg, err := prepareMessage(msg, uuid.NewString(), conversationID, now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.ownedLocked(userID, conversationID)
	if !ok {
		return Message{}, ErrNotFound
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	conv.TotalMessages++
	conv.UpdatedAt = now
	s.conversations[conversationID] = conv
	return msg, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, userID, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ownedLocked(userID, conversationID); !ok {
		return nil, ErrNotFound
	}
	return append([]Message(nil), s.messages[conversationID]...), nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) ownedLocked(userID, id string) (Conversation, bool) {
	conv, ok := s.conversations[id]
	if !ok || conv.UserID != userID {
		return Conversation{}, false
	}
	return conv, true
}

func cloneConversation(conv Conversation) Conversation {
	conv.ActivePersonas = append([]persona.ID(nil), conv.ActivePersonas...)
	return conv
}
