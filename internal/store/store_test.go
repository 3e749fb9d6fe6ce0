package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/perspectra/internal/persona"
)

// tickingClock returns strictly increasing timestamps.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newMemoryStore() Store {
	s := NewInMemoryStore()
	s.now = tickingClock()
	return s
}

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, newMemoryStore)
}

func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("PERSPECTRA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PERSPECTRA_TEST_DATABASE_URL not set")
	}
	runStoreContract(t, func() Store {
		s, err := NewPostgresStore(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func runStoreContract(t *testing.T, newStore func() Store) {
	ctx := context.Background()

	t.Run("create fills defaults", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: " Expand ", Problem: "Open in Berlin?"})
		require.NoError(t, err)
		assert.NotEmpty(t, conv.ID)
		assert.Equal(t, "Expand", conv.Title)
		assert.Equal(t, StatusActive, conv.Status)
		assert.Equal(t, persona.Roster(), conv.ActivePersonas)
		assert.Equal(t, ModeManual, conv.Mode)
		assert.Zero(t, conv.TotalMessages)
	})

	t.Run("create requires title and problem", func(t *testing.T) {
		s := newStore()
		_, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "x"})
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("ownership is enforced", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "alice", Title: "t", Problem: "p"})
		require.NoError(t, err)

		_, err = s.GetConversation(ctx, "bob", conv.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.AddMessage(ctx, "bob", conv.ID, Message{Content: "hi", Persona: persona.User})
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.DeleteConversation(ctx, "bob", conv.ID), ErrNotFound)
		_, err = s.ListMessages(ctx, "bob", conv.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("add message bumps counters", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "t", Problem: "p"})
		require.NoError(t, err)

		first, err := s.AddMessage(ctx, "u1", conv.ID, Message{Content: "• one", Persona: persona.Moderator, FactChecked: true})
		require.NoError(t, err)
		assert.Equal(t, MessageStandard, first.MessageType)
		_, err = s.AddMessage(ctx, "u1", conv.ID, Message{Content: "• two", Persona: persona.System1, MessageType: MessageTopicEvolution})
		require.NoError(t, err)

		got, err := s.GetConversation(ctx, "u1", conv.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.TotalMessages)
		assert.True(t, got.UpdatedAt.After(conv.UpdatedAt))

		msgs, err := s.ListMessages(ctx, "u1", conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "• one", msgs[0].Content)
		assert.True(t, msgs[0].FactChecked)
		assert.Equal(t, MessageTopicEvolution, msgs[1].MessageType)
	})

	t.Run("add message validates", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "t", Problem: "p"})
		require.NoError(t, err)
		_, err = s.AddMessage(ctx, "u1", conv.ID, Message{Content: " ", Persona: persona.User})
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("list newest first with last message", func(t *testing.T) {
		s := newStore()
		older, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "older", Problem: "p"})
		require.NoError(t, err)
		newer, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "newer", Problem: "p"})
		require.NoError(t, err)
		_, err = s.CreateConversation(ctx, Conversation{UserID: "u2", Title: "other", Problem: "p"})
		require.NoError(t, err)

		_, err = s.AddMessage(ctx, "u1", older.ID, Message{Content: "latest", Persona: persona.User, MessageType: MessageUser})
		require.NoError(t, err)

		list, err := s.ListConversations(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, older.ID, list[0].ID)
		assert.Equal(t, 1, list[0].MessageCount)
		require.NotNil(t, list[0].LastMessage)
		assert.Equal(t, "latest", list[0].LastMessage.Content)
		assert.Equal(t, newer.ID, list[1].ID)
		assert.Nil(t, list[1].LastMessage)
	})

	t.Run("update applies only set fields", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "t", Problem: "p"})
		require.NoError(t, err)

		title := "renamed"
		empty := ""
		got, err := s.UpdateConversation(ctx, "u1", conv.ID, Patch{
			Title:          &title,
			Problem:        &empty,
			ActivePersonas: []persona.ID{persona.Moderator, persona.System2},
		})
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Title)
		assert.Equal(t, "p", got.Problem)
		assert.Equal(t, []persona.ID{persona.Moderator, persona.System2}, got.ActivePersonas)

		bad := Status("DONE")
		_, err = s.UpdateConversation(ctx, "u1", conv.ID, Patch{Status: &bad})
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("set status", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "t", Problem: "p"})
		require.NoError(t, err)

		got, err := s.SetStatus(ctx, "u1", conv.ID, StatusPaused)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, got.Status)

		_, err = s.SetStatus(ctx, "u1", conv.ID, "paused")
		require.ErrorIs(t, err, ErrInvalidStatus)
		_, err = s.SetStatus(ctx, "u1", "missing", StatusArchived)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete cascades", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "t", Problem: "p"})
		require.NoError(t, err)
		_, err = s.AddMessage(ctx, "u1", conv.ID, Message{Content: "x", Persona: persona.User})
		require.NoError(t, err)

		require.NoError(t, s.DeleteConversation(ctx, "u1", conv.ID))
		_, err = s.GetConversation(ctx, "u1", conv.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.ListMessages(ctx, "u1", conv.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		s := newStore()
		conv, err := s.CreateConversation(ctx, Conversation{UserID: "u1", Title: "t", Problem: "p"})
		require.NoError(t, err)
		conv.ActivePersonas[0] = "mutated"

		got, err := s.GetConversation(ctx, "u1", conv.ID)
		require.NoError(t, err)
		assert.Equal(t, persona.System1, got.ActivePersonas[0])
	})
}

func TestNewStoreWithoutURLIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	require.NoError(t, err)
	_, ok := s.(*InMemoryStore)
	assert.True(t, ok)
}
