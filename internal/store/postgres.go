package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/perspectra/internal/persona"
)

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			problem TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			active_personas JSONB NOT NULL DEFAULT '[]'::jsonb,
			mode TEXT NOT NULL DEFAULT 'manual',
			total_messages INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			persona TEXT NOT NULL,
			fact_checked BOOLEAN NOT NULL DEFAULT FALSE,
			message_type TEXT NOT NULL DEFAULT 'STANDARD',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const conversationColumns = `id, user_id, title, problem, status, active_personas, mode, total_messages, created_at, updated_at`

func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	conv, err := prepareConversation(conv, uuid.NewString(), time.Now().UTC())
	if err != nil {
		return Conversation{}, err
	}
	personas, err := json.Marshal(conv.ActivePersonas)
	if err != nil {
		return Conversation{}, fmt.Errorf("encode personas: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.Problem,
		string(conv.Status),
		personas,
		conv.Mode,
		conv.TotalMessages,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_id, c.title, c.problem, c.status, c.active_personas, c.mode,
		        c.total_messages, c.created_at, c.updated_at,
		        (SELECT count(*) FROM messages m WHERE m.conversation_id = c.id),
		        lm.id, lm.content, lm.persona, lm.fact_checked, lm.message_type, lm.created_at
		   FROM conversations c
		   LEFT JOIN LATERAL (
		        SELECT id, content, persona, fact_checked, message_type, created_at
		          FROM messages WHERE conversation_id = c.id
		         ORDER BY created_at DESC LIMIT 1
		   ) lm ON TRUE
		  WHERE c.user_id = $1
		  ORDER BY c.updated_at DESC, c.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			item     ConversationSummary
			status   string
			personas []byte
			lmID     *string
			lmText   *string
			lmWho    *string
			lmFact   *bool
			lmType   *string
			lmAt     *time.Time
		)
		err := rows.Scan(
			&item.ID, &item.UserID, &item.Title, &item.Problem, &status, &personas, &item.Mode,
			&item.TotalMessages, &item.CreatedAt, &item.UpdatedAt,
			&item.MessageCount,
			&lmID, &lmText, &lmWho, &lmFact, &lmType, &lmAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		item.Status = Status(status)
		if item.ActivePersonas, err = decodePersonas(personas); err != nil {
			return nil, err
		}
		if lmID != nil {
			item.LastMessage = &Message{
				ID:             *lmID,
				ConversationID: item.ID,
				Content:        *lmText,
				Persona:        persona.ID(*lmWho),
				FactChecked:    *lmFact,
				MessageType:    MessageType(*lmType),
				CreatedAt:      *lmAt,
			}
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, userID, id string) (Conversation, error) {
	return getConversation(ctx, s.pool, userID, id, false)
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, userID, id string, patch Patch) (Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := getConversation(ctx, tx, userID, id, true)
	if err != nil {
		return Conversation{}, err
	}
	conv, err = applyPatch(conv, patch)
	if err != nil {
		return Conversation{}, err
	}
	conv.UpdatedAt = time.Now().UTC()
	personas, err := json.Marshal(conv.ActivePersonas)
	if err != nil {
		return Conversation{}, fmt.Errorf("encode personas: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations
		    SET title=$2, problem=$3, status=$4, active_personas=$5, mode=$6, updated_at=$7
		  WHERE id=$1`,
		conv.ID, conv.Title, conv.Problem, string(conv.Status), personas, conv.Mode, conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, fmt.Errorf("commit tx: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, userID, id string, status Status) (Conversation, error) {
	if !status.Valid() {
		return Conversation{}, ErrInvalidStatus
	}
	return s.UpdateConversation(ctx, userID, id, Patch{Status: &status})
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, userID, conversationID string, msg Message) (Message, error) {
	now := time.Now().UTC()
	msg, err := prepareMessage(msg, uuid.NewString(), conversationID, now)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET total_messages = total_messages + 1, updated_at=$3
		  WHERE id=$1 AND user_id=$2`,
		conversationID, userID, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("bump message count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, content, persona, fact_checked, message_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID,
		msg.ConversationID,
		msg.Content,
		string(msg.Persona),
		msg.FactChecked,
		string(msg.MessageType),
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, content, persona, fact_checked, message_type, created_at
		   FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m     Message
			who   string
			mtype string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &who, &m.FactChecked, &mtype, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Persona = persona.ID(who)
		m.MessageType = MessageType(mtype)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getConversation(ctx context.Context, q querier, userID, id string, forUpdate bool) (Conversation, error) {
	sql := `SELECT ` + conversationColumns + ` FROM conversations WHERE id=$1 AND user_id=$2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		conv     Conversation
		status   string
		personas []byte
	)
	err := q.QueryRow(ctx, sql, id, userID).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.Problem, &status, &personas, &conv.Mode,
		&conv.TotalMessages, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conv.Status = Status(status)
	if conv.ActivePersonas, err = decodePersonas(personas); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func decodePersonas(raw []byte) ([]persona.ID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []persona.ID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	return ids, nil
}
