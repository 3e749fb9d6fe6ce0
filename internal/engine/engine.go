package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/persona"
)

// Engine drives a timer-based turn-taking loop among the persona roster.
//
// All state lives behind one mutex. Generation is the only suspension point:
// it runs outside the lock and at most one call is in flight at a time.
// Stop and Pause never cancel an in-flight call; its result is still
// delivered but only continues the loop if the session is still running.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	gen       Generator
	hooks     Hooks
	scheduler Scheduler
	now       func() time.Time
	rnd       *rand.Rand
	spawn     func(func())
	newID     func() string
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state   State
	history []Turn
	roster  []persona.ID

	started      bool
	closed       bool
	session      uint64
	inFlight     bool
	courtesyOwed bool
	pending      Timer
	timerSeq     uint64

	outbox   []func()
	flushing bool
}

// Option customizes an Engine.
type Option func(*Engine)

func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.scheduler = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRand sets the randomness source for topic-evolution prompts.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rnd = r
		}
	}
}

// WithSpawn controls how generation calls are started. The default runs
// each call on its own goroutine.
func WithSpawn(spawn func(func())) Option {
	return func(e *Engine) {
		if spawn != nil {
			e.spawn = spawn
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(cfg Config, gen Generator, hooks Hooks, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg.withDefaults(),
		gen:       gen,
		hooks:     hooks,
		scheduler: RealScheduler{},
		now:       func() time.Time { return time.Now().UTC() },
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		spawn:     func(fn func()) { go fn() },
		newID:     uuid.NewString,
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		roster:    persona.Roster(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "auto_conversation"))
	return e
}

// Start begins a new session on topic, replacing any previous one.
// topic must be non-empty; the engine does not validate it.
func (e *Engine) Start(topic string, seed []Turn) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.session++
	e.started = true
	e.courtesyOwed = false
	e.history = append([]Turn(nil), seed...)
	e.state = State{
		Topic:      topic,
		Active:     true,
		LastTurnAt: e.now(),
	}
	e.queueStateLocked()
	e.scheduleLocked(e.cfg.SpeakingInterval, false)
	e.logger.Info("auto conversation started", zap.Int("seed_turns", len(seed)))
	e.mu.Unlock()
	e.flush()
}

// Pause stops new turns from being scheduled. Idempotent.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.pauseLocked()
	e.mu.Unlock()
	e.flush()
}

// Resume restarts scheduling after a pause or stop. It is a no-op while the
// loop is already running or before any session was started.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.closed || !e.started || (e.state.Active && !e.state.PauseRequested) {
		e.mu.Unlock()
		return
	}
	e.state.PauseRequested = false
	e.state.Active = true
	e.queueStateLocked()
	e.scheduleLocked(e.cfg.SpeakingInterval, false)
	e.mu.Unlock()
	e.flush()
}

// Stop ends the session. An in-flight generation still resolves and its
// message is delivered, but the loop does not continue.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancelPendingLocked()
	e.courtesyOwed = false
	prev := e.state
	e.state.Active = false
	e.state.PauseRequested = false
	e.state.CurrentSpeaker = ""
	if e.state != prev {
		e.queueStateLocked()
		e.logger.Info("auto conversation stopped", zap.Int("round", e.state.Round))
	}
	e.mu.Unlock()
	e.flush()
}

// Interrupt records a user message. With PauseOnUserInterrupt the loop is
// paused first. If the loop was running when the message arrived, exactly
// one persona replies after CourtesyDelay even though the loop is now
// paused.
func (e *Engine) Interrupt(turn Turn) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	running := e.state.Active && !e.state.PauseRequested
	if e.cfg.PauseOnUserInterrupt {
		e.pauseLocked()
	}
	e.history = append(e.history, turn)
	if running {
		if e.inFlight {
			e.courtesyOwed = true
		} else {
			e.scheduleLocked(CourtesyDelay, true)
		}
	}
	e.mu.Unlock()
	e.flush()
}

// AddMessage appends a turn produced outside the engine. Turns emitted by
// the engine are already in its history and must not be added again.
func (e *Engine) AddMessage(turn Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, turn)
}

// SetSpeakingInterval affects turns scheduled after the call.
func (e *Engine) SetSpeakingInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.SpeakingInterval = d
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) History() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Turn(nil), e.history...)
}

// Close tears the engine down: pending timers are cancelled, the in-flight
// call's context is cancelled and later results are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.cancelPendingLocked()
	e.courtesyOwed = false
	e.state.Active = false
	e.state.CurrentSpeaker = ""
	e.mu.Unlock()
	e.cancel()
}

func (e *Engine) pauseLocked() {
	prev := e.state
	e.state.PauseRequested = true
	e.state.Active = false
	if e.state != prev {
		e.queueStateLocked()
	}
}

// scheduleLocked replaces any pending turn timer.
func (e *Engine) scheduleLocked(d time.Duration, courtesy bool) {
	e.cancelPendingLocked()
	if e.closed {
		return
	}
	if !courtesy && (!e.state.Active || e.state.PauseRequested) {
		return
	}
	e.timerSeq++
	seq := e.timerSeq
	e.pending = e.scheduler.AfterFunc(d, func() {
		e.runTurn(seq, courtesy)
	})
}

func (e *Engine) cancelPendingLocked() {
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
	e.timerSeq++
}

func (e *Engine) runTurn(seq uint64, courtesy bool) {
	e.mu.Lock()
	if seq != e.timerSeq || e.closed {
		e.mu.Unlock()
		return
	}
	e.pending = nil
	if courtesy {
		// Paused is fine for the courtesy reply; stopped is not.
		if !e.state.Active && !e.state.PauseRequested {
			e.mu.Unlock()
			return
		}
		if e.inFlight {
			e.courtesyOwed = true
			e.mu.Unlock()
			return
		}
	} else if !e.state.Active || e.state.PauseRequested || e.inFlight {
		e.mu.Unlock()
		return
	}

	speaker := e.selectSpeakerLocked()
	e.state.CurrentSpeaker = speaker
	e.state.LastTurnAt = e.now()
	e.inFlight = true
	e.queueStateLocked()

	history := append([]Turn(nil), e.history...)
	req := Request{
		History:  history,
		Persona:  speaker,
		Topic:    e.state.Topic,
		AutoMode: true,
		Context:  BuildContext(history),
	}
	session := e.session
	e.mu.Unlock()
	e.flush()

	e.spawn(func() {
		res, err := e.gen.Generate(e.ctx, req)
		e.finishTurn(session, speaker, res, err)
	})
}

func (e *Engine) finishTurn(session uint64, speaker persona.ID, res Result, err error) {
	e.mu.Lock()
	e.inFlight = false
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug("dropping result after close", zap.String("persona", string(speaker)))
		return
	}
	if session != e.session {
		// A restart happened while this call was outstanding. The new
		// session may have skipped a turn while waiting for it.
		e.logger.Debug("dropping result from previous session", zap.String("persona", string(speaker)))
		if e.pending == nil {
			e.continueLocked()
		}
		e.mu.Unlock()
		e.flush()
		return
	}

	prev := e.state
	if e.state.CurrentSpeaker == speaker {
		e.state.CurrentSpeaker = ""
	}

	if err != nil {
		e.logger.Error("generation failed, pausing conversation",
			zap.String("persona", string(speaker)),
			zap.Error(err),
		)
		e.cancelPendingLocked()
		e.courtesyOwed = false
		e.state.PauseRequested = true
		e.state.Active = false
		if e.state != prev {
			e.queueStateLocked()
		}
		if e.hooks.OnError != nil {
			onErr := e.hooks.OnError
			wrapped := fmt.Errorf("generate %s turn: %w", speaker, err)
			e.outbox = append(e.outbox, func() { onErr(wrapped) })
		}
		e.mu.Unlock()
		e.flush()
		return
	}

	if strings.TrimSpace(res.Text) == "" {
		e.logger.Warn("generator returned empty text", zap.String("persona", string(speaker)))
	} else {
		turn := Turn{
			ID:        e.newID(),
			Content:   res.Text,
			Speaker:   speaker,
			CreatedAt: e.now(),
			Verified:  res.Verified,
		}
		e.history = append(e.history, turn)
		e.queueMessageLocked(turn)
		e.state.Round++

		if e.cfg.TopicEvolution && e.state.Round > 0 && e.state.Round%e.cfg.MaxRoundsPerTopic == 0 {
			e.evolveTopicLocked()
		}
	}
	if e.state != prev {
		e.queueStateLocked()
	}
	e.continueLocked()
	e.mu.Unlock()
	e.flush()
}

// continueLocked schedules what follows a finished generation: an owed
// courtesy reply, or the next turn if the loop is still running.
func (e *Engine) continueLocked() {
	switch {
	case e.courtesyOwed:
		e.courtesyOwed = false
		e.scheduleLocked(CourtesyDelay, true)
	case e.state.Active && !e.state.PauseRequested:
		e.scheduleLocked(e.cfg.SpeakingInterval, false)
	}
}

func (e *Engine) evolveTopicLocked() {
	prompt := TopicEvolutionPrompts[e.rnd.Intn(len(TopicEvolutionPrompts))]
	turn := Turn{
		ID:        e.newID(),
		Content:   TopicEvolutionPrefix + prompt,
		Speaker:   persona.Moderator,
		CreatedAt: e.now(),
		Synthetic: true,
	}
	e.history = append(e.history, turn)
	e.queueMessageLocked(turn)
	e.logger.Info("topic evolution injected", zap.Int("round", e.state.Round))
}

// selectSpeakerLocked picks the next persona. The moderator opens every
// session. After a persona turn the choice follows len(history) mod 4
// (reaction, analysis, challenge, synthesis); after a user turn it falls
// back to plain rotation by round.
func (e *Engine) selectSpeakerLocked() persona.ID {
	return SelectSpeaker(e.state.Round, e.history, e.roster)
}

// SelectSpeaker is the pure speaker-selection rule.
func SelectSpeaker(round int, history []Turn, roster []persona.ID) persona.ID {
	if round == 0 {
		return persona.Moderator
	}
	var last persona.ID
	if len(history) > 0 {
		last = history[len(history)-1].Speaker
	}
	if last != "" && last != persona.User {
		switch len(history) % 4 {
		case 1:
			return persona.System1
		case 2:
			return persona.System2
		case 3:
			return persona.DevilsAdvocate
		default:
			return persona.Moderator
		}
	}
	if len(roster) == 0 {
		return persona.Moderator
	}
	return roster[round%len(roster)]
}

// BuildContext renders the trailing turns as "speaker: content" lines.
func BuildContext(history []Turn) string {
	if len(history) > ContextTurns {
		history = history[len(history)-ContextTurns:]
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Speaker, truncateRunes(t.Content, ContextChars)))
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (e *Engine) queueStateLocked() {
	if e.hooks.OnStateChange == nil {
		return
	}
	snapshot := e.state
	fn := e.hooks.OnStateChange
	e.outbox = append(e.outbox, func() { fn(snapshot) })
}

func (e *Engine) queueMessageLocked(turn Turn) {
	if e.hooks.OnMessage == nil {
		return
	}
	fn := e.hooks.OnMessage
	e.outbox = append(e.outbox, func() { fn(turn) })
}

// flush delivers queued events in order. Only one goroutine delivers at a
// time; a nested or concurrent call leaves its events to the active one.
func (e *Engine) flush() {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	for len(e.outbox) > 0 {
		batch := e.outbox
		e.outbox = nil
		e.mu.Unlock()
		for _, ev := range batch {
			ev()
		}
		e.mu.Lock()
	}
	e.flushing = false
	e.mu.Unlock()
}
