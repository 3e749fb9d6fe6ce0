package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/engine"
	"github.com/ent0n29/perspectra/internal/observability"
	"github.com/ent0n29/perspectra/internal/persona"
	"github.com/ent0n29/perspectra/internal/policy"
	"github.com/ent0n29/perspectra/internal/protocol"
	"github.com/ent0n29/perspectra/internal/store"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrInvalidInterval = errors.New("speaking interval out of range")
)

const (
	MinSpeakingInterval = 500 * time.Millisecond
	MaxSpeakingInterval = 5 * time.Minute

	hookTimeout = 5 * time.Second
)

// Session binds one conversation to its engine and live subscribers.
type Session struct {
	conversationID string
	userID         string
	startedAt      time.Time
	engine         *engine.Engine

	mu           sync.Mutex
	subscribers  map[uint64]chan any
	nextSub      uint64
	lastActivity time.Time
	lastStatus   store.Status
	closed       bool
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store   store.Store
	gen     engine.Generator
	opts    Options
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	onExpire func(Snapshot)
}

func NewManager(st store.Store, gen engine.Generator, opts Options, metrics *observability.Metrics, logger *zap.Logger) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 10 * time.Minute
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		store:    st,
		gen:      gen,
		opts:     opts,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "session_manager")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Start begins (or restarts) the auto-conversation for a stored
// conversation, seeding the engine with its persisted messages.
func (m *Manager) Start(ctx context.Context, userID, conversationID string) (Snapshot, error) {
	conv, err := m.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	msgs, err := m.store.ListMessages(ctx, userID, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	if conv.Mode != store.ModeAuto {
		mode := store.ModeAuto
		if _, err := m.store.UpdateConversation(ctx, userID, conversationID, store.Patch{Mode: &mode}); err != nil {
			return Snapshot{}, fmt.Errorf("switch to auto mode: %w", err)
		}
	}

	s := m.getOrCreate(conv)
	if s.userID != userID {
		return Snapshot{}, ErrNotFound
	}
	s.touch(m.now())
	s.engine.Start(conv.Problem, seedTurns(msgs))
	m.countEvent("started")
	m.logger.Info("auto conversation session started",
		zap.String("conversation_id", conversationID),
		zap.Int("seed_messages", len(msgs)),
	)
	return m.snapshot(s), nil
}

// Open attaches a session to a stored conversation without starting the
// loop, so live subscribers can connect before the first turn.
func (m *Manager) Open(ctx context.Context, userID, conversationID string) (Snapshot, error) {
	conv, err := m.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	s := m.getOrCreate(conv)
	if s.userID != userID {
		return Snapshot{}, ErrNotFound
	}
	s.touch(m.now())
	return m.snapshot(s), nil
}

func (m *Manager) Get(userID, conversationID string) (Snapshot, error) {
	s, err := m.lookup(userID, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	return m.snapshot(s), nil
}

func (m *Manager) Pause(userID, conversationID string) (Snapshot, error) {
	return m.control(userID, conversationID, "paused", (*engine.Engine).Pause)
}

func (m *Manager) Resume(userID, conversationID string) (Snapshot, error) {
	return m.control(userID, conversationID, "resumed", (*engine.Engine).Resume)
}

func (m *Manager) Stop(userID, conversationID string) (Snapshot, error) {
	return m.control(userID, conversationID, "stopped", (*engine.Engine).Stop)
}

func (m *Manager) control(userID, conversationID, event string, op func(*engine.Engine)) (Snapshot, error) {
	s, err := m.lookup(userID, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	s.touch(m.now())
	op(s.engine)
	m.countEvent(event)
	return m.snapshot(s), nil
}

// Interrupt persists a user message and hands it to the engine.
func (m *Manager) Interrupt(ctx context.Context, userID, conversationID, content string) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, fmt.Errorf("%w: content is required", store.ErrInvalidInput)
	}
	s, err := m.lookup(userID, conversationID)
	if err != nil {
		return store.Message{}, err
	}

	msg, err := m.store.AddMessage(ctx, userID, conversationID, store.Message{
		Content:     content,
		Persona:     persona.User,
		MessageType: store.MessageUser,
	})
	if err != nil {
		return store.Message{}, err
	}
	s.touch(m.now())
	m.logger.Info("user interrupted auto conversation",
		zap.String("conversation_id", conversationID),
		zap.String("preview", policy.RedactAndTruncate(content, 80)),
	)
	s.broadcast(protocol.MessageProduced{
		Type:           protocol.TypeMessageProduced,
		ConversationID: conversationID,
		Message:        wireMessage(msg),
	}, m.logger)
	s.engine.Interrupt(turnFromMessage(msg))
	m.countEvent("interrupted")
	return msg, nil
}

// SyncMessage appends a message stored outside the session (for example
// through the REST API) to the live engine history, if a session exists.
func (m *Manager) SyncMessage(conversationID string, msg store.Message) {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.engine.AddMessage(turnFromMessage(msg))
}

func (m *Manager) SetInterval(userID, conversationID string, d time.Duration) (Snapshot, error) {
	if d < MinSpeakingInterval || d > MaxSpeakingInterval {
		return Snapshot{}, ErrInvalidInterval
	}
	s, err := m.lookup(userID, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	s.touch(m.now())
	s.engine.SetSpeakingInterval(d)
	s.broadcast(protocol.SystemEvent{
		Type:           protocol.TypeSystemEvent,
		ConversationID: conversationID,
		Code:           "interval_changed",
		Detail:         d.String(),
	}, m.logger)
	return m.snapshot(s), nil
}

// Subscribe registers a live event listener. The returned cancel func is
// idempotent. Events are dropped for subscribers that fall behind.
func (m *Manager) Subscribe(userID, conversationID string) (<-chan any, func(), error) {
	s, err := m.lookup(userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan any, m.opts.SubscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	s.nextSub++
	id := s.nextSub
	s.subscribers[id] = ch
	s.lastActivity = m.now()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(c)
			}
			s.lastActivity = m.now()
		})
	}
	return ch, cancel, nil
}

// Remove tears down the session for a conversation, if any.
func (m *Manager) Remove(conversationID string) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if ok {
		delete(m.sessions, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.teardown(s, "session_closed")
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.teardown(s, "server_shutdown")
	}
}

// ActiveCount reports sessions whose loop is currently running.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	count := 0
	for _, s := range all {
		if s.engine.State().Active {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

// expireInactive closes sessions nobody is watching or steering. A running
// loop counts as activity.
func (m *Manager) expireInactive() {
	now := m.now()
	var candidates []*Session

	m.mu.RLock()
	for _, s := range m.sessions {
		if s.idleSince(now, m.opts.InactivityTimeout) {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	var expired []*Session
	for _, s := range candidates {
		if s.engine.State().Active {
			continue
		}
		m.mu.Lock()
		if cur, ok := m.sessions[s.conversationID]; ok && cur == s && s.idleSince(now, m.opts.InactivityTimeout) {
			delete(m.sessions, s.conversationID)
			expired = append(expired, s)
		}
		m.mu.Unlock()
	}

	m.mu.RLock()
	hook := m.onExpire
	m.mu.RUnlock()

	for _, s := range expired {
		snap := m.snapshot(s)
		m.teardown(s, "session_expired")
		m.countEvent("expired")
		m.logger.Info("auto conversation session expired", zap.String("conversation_id", s.conversationID))
		if hook != nil {
			hook(snap)
		}
	}
}

func (m *Manager) getOrCreate(conv store.Conversation) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conv.ID]; ok {
		return s
	}

	now := m.now()
	s := &Session{
		conversationID: conv.ID,
		userID:         conv.UserID,
		startedAt:      now,
		subscribers:    make(map[uint64]chan any),
		lastActivity:   now,
		lastStatus:     conv.Status,
	}
	opts := append([]engine.Option{engine.WithLogger(m.logger.With(zap.String("conversation_id", conv.ID)))}, m.opts.EngineOptions...)
	s.engine = engine.New(m.opts.Engine, m.gen, m.hooksFor(s), opts...)
	m.sessions[conv.ID] = s
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	return s
}

func (m *Manager) hooksFor(s *Session) engine.Hooks {
	return engine.Hooks{
		OnMessage: func(t engine.Turn) {
			s.touch(m.now())
			msgType := store.MessageStandard
			if t.Synthetic {
				msgType = store.MessageTopicEvolution
			}
			msg := store.Message{
				ID:             t.ID,
				ConversationID: s.conversationID,
				Content:        t.Content,
				Persona:        t.Speaker,
				FactChecked:    t.Verified,
				MessageType:    msgType,
				CreatedAt:      t.CreatedAt,
			}
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			stored, err := m.store.AddMessage(ctx, s.userID, s.conversationID, msg)
			if err != nil {
				m.logger.Error("persist produced message failed",
					zap.String("conversation_id", s.conversationID),
					zap.String("persona", string(t.Speaker)),
					zap.Error(err),
				)
				s.broadcast(protocol.ErrorEvent{
					Type:           protocol.TypeErrorEvent,
					ConversationID: s.conversationID,
					Code:           "persist_failed",
					Source:         "store",
					Detail:         err.Error(),
				}, m.logger)
			} else {
				msg = stored
			}
			if m.metrics != nil {
				m.metrics.MessagesProduced.WithLabelValues(string(t.Speaker), string(msgType)).Inc()
			}
			s.broadcast(protocol.MessageProduced{
				Type:           protocol.TypeMessageProduced,
				ConversationID: s.conversationID,
				Message:        wireMessage(msg),
			}, m.logger)
		},
		OnStateChange: func(st engine.State) {
			s.touch(m.now())
			s.broadcast(protocol.StateChanged{
				Type:           protocol.TypeStateChanged,
				ConversationID: s.conversationID,
				CurrentSpeaker: string(st.CurrentSpeaker),
				Round:          st.Round,
				Topic:          st.Topic,
				Active:         st.Active,
				PauseRequested: st.PauseRequested,
				LastTurnAt:     st.LastTurnAt,
				IntervalMS:     s.engine.Config().SpeakingInterval.Milliseconds(),
			}, m.logger)
			m.mirrorStatus(s, st)
		},
		OnError: func(err error) {
			m.countEvent("generation_failed")
			s.broadcast(protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: s.conversationID,
				Code:           "generation_failed",
				Source:         "generator",
				Retryable:      true,
				Detail:         err.Error(),
			}, m.logger)
		},
	}
}

func (m *Manager) mirrorStatus(s *Session, st engine.State) {
	status := store.StatusPaused
	if st.Active {
		status = store.StatusActive
	}
	s.mu.Lock()
	if s.lastStatus == status || s.closed {
		s.mu.Unlock()
		return
	}
	s.lastStatus = status
	s.mu.Unlock()
	m.persistStatus(s, status)
}

func (m *Manager) persistStatus(s *Session, status store.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if _, err := m.store.SetStatus(ctx, s.userID, s.conversationID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("mirror conversation status failed",
			zap.String("conversation_id", s.conversationID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (m *Manager) lookup(userID, conversationID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok || s.userID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) snapshot(s *Session) Snapshot {
	state := s.engine.State()
	cfg := s.engine.Config()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ConversationID: s.conversationID,
		UserID:         s.userID,
		State:          state,
		IntervalMS:     cfg.SpeakingInterval.Milliseconds(),
		Subscribers:    len(s.subscribers),
		StartedAt:      s.startedAt,
		LastActivityAt: s.lastActivity,
	}
}

func (m *Manager) teardown(s *Session, code string) {
	s.broadcast(protocol.SystemEvent{
		Type:           protocol.TypeSystemEvent,
		ConversationID: s.conversationID,
		Code:           code,
	}, m.logger)
	running := s.engine.State().Active
	s.engine.Close()

	s.mu.Lock()
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	if running {
		s.lastStatus = store.StatusPaused
	}
	s.mu.Unlock()

	// Nothing drives the conversation once its engine is gone.
	if running {
		m.persistStatus(s, store.StatusPaused)
	}

	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
}

func (m *Manager) countEvent(event string) {
	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

func (s *Session) idleSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) == 0 && now.Sub(s.lastActivity) >= timeout
}

func (s *Session) broadcast(ev any, logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Debug("dropping event for slow subscriber",
				zap.String("conversation_id", s.conversationID),
				zap.Uint64("subscriber", id),
			)
		}
	}
}

func seedTurns(msgs []store.Message) []engine.Turn {
	out := make([]engine.Turn, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, turnFromMessage(msg))
	}
	return out
}

func turnFromMessage(msg store.Message) engine.Turn {
	return engine.Turn{
		ID:        msg.ID,
		Content:   msg.Content,
		Speaker:   msg.Persona,
		CreatedAt: msg.CreatedAt,
		Verified:  msg.FactChecked,
		Synthetic: msg.MessageType == store.MessageTopicEvolution,
	}
}

func wireMessage(msg store.Message) protocol.Message {
	return protocol.Message{
		ID:          msg.ID,
		Persona:     string(msg.Persona),
		Content:     msg.Content,
		FactChecked: msg.FactChecked,
		MessageType: string(msg.MessageType),
		CreatedAt:   msg.CreatedAt,
	}
}
