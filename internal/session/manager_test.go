package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/perspectra/internal/engine"
	"github.com/ent0n29/perspectra/internal/observability"
	"github.com/ent0n29/perspectra/internal/persona"
	"github.com/ent0n29/perspectra/internal/protocol"
	"github.com/ent0n29/perspectra/internal/store"
)

type scriptedGenerator struct {
	mu    sync.Mutex
	calls []engine.Request
	err   error
}

func (g *scriptedGenerator) Generate(_ context.Context, req engine.Request) (engine.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return engine.Result{}, g.err
	}
	return engine.Result{Text: "• " + string(req.Persona) + " weighs in", Verified: req.Persona == persona.Moderator}, nil
}

func (g *scriptedGenerator) Calls() []engine.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]engine.Request(nil), g.calls...)
}

type fixture struct {
	manager *Manager
	store   *store.InMemoryStore
	sched   *engine.ManualScheduler
	gen     *scriptedGenerator
	conv    store.Conversation
}

func newFixture(t *testing.T, cfg engine.Config) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	sched := engine.NewManualScheduler(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	gen := &scriptedGenerator{}
	metrics := observability.NewMetrics(fmt.Sprintf("test_session_%d", time.Now().UnixNano()))
	m := NewManager(st, gen, Options{
		InactivityTimeout: time.Minute,
		Engine:            cfg,
		EngineOptions: []engine.Option{
			engine.WithScheduler(sched),
			engine.WithClock(sched.Now),
			engine.WithRand(rand.New(rand.NewSource(3))),
			engine.WithSpawn(func(fn func()) { fn() }),
		},
	}, metrics, nil)
	t.Cleanup(m.Close)

	conv, err := st.CreateConversation(context.Background(), store.Conversation{
		UserID:  "alice",
		Title:   "Berlin",
		Problem: "Should we open a Berlin office?",
	})
	require.NoError(t, err)
	return &fixture{manager: m, store: st, sched: sched, gen: gen, conv: conv}
}

func drain(ch <-chan any) []any {
	var out []any
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStartProducesPersistedAndBroadcastMessages(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()

	snap, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, snap.State.Active)
	assert.Equal(t, f.conv.Problem, snap.State.Topic)
	assert.Equal(t, int64(3000), snap.IntervalMS)

	events, cancel, err := f.manager.Subscribe("alice", f.conv.ID)
	require.NoError(t, err)
	defer cancel()

	f.sched.Advance(engine.DefaultSpeakingInterval)

	msgs, err := f.store.ListMessages(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, persona.Moderator, msgs[0].Persona)
	assert.True(t, msgs[0].FactChecked)
	assert.Equal(t, store.MessageStandard, msgs[0].MessageType)

	got := drain(events)
	require.Len(t, got, 3)
	speaking, ok := got[0].(protocol.StateChanged)
	require.True(t, ok, "got %T", got[0])
	assert.Equal(t, "moderator", speaking.CurrentSpeaker)
	produced, ok := got[1].(protocol.MessageProduced)
	require.True(t, ok, "got %T", got[1])
	assert.Equal(t, msgs[0].ID, produced.Message.ID)
	assert.Equal(t, "• moderator weighs in", produced.Message.Content)
	done, ok := got[2].(protocol.StateChanged)
	require.True(t, ok, "got %T", got[2])
	assert.Equal(t, 1, done.Round)
	assert.Empty(t, done.CurrentSpeaker)

	conv, err := f.store.GetConversation(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeAuto, conv.Mode)
	assert.Equal(t, 1, conv.TotalMessages)
}

func TestOpenAllowsSubscribingBeforeStart(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()

	snap, err := f.manager.Open(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, snap.State.Active)

	events, cancel, err := f.manager.Subscribe("alice", f.conv.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Empty(t, f.gen.Calls())

	_, err = f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)

	got := drain(events)
	require.NotEmpty(t, got)
	started, ok := got[0].(protocol.StateChanged)
	require.True(t, ok, "got %T", got[0])
	assert.True(t, started.Active)

	_, err = f.manager.Open(ctx, "mallory", f.conv.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartSeedsEngineFromStoredMessages(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()
	for _, content := range []string{"first thought", "second thought"} {
		_, err := f.store.AddMessage(ctx, "alice", f.conv.ID, store.Message{Content: content, Persona: persona.User, MessageType: store.MessageUser})
		require.NoError(t, err)
	}

	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	f.sched.Advance(engine.DefaultSpeakingInterval)

	calls := f.gen.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].History, 2)
	assert.Equal(t, "second thought", calls[0].History[1].Content)
	assert.True(t, calls[0].AutoMode)
}

func TestPauseResumeStopMirrorStatus(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()
	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)

	snap, err := f.manager.Pause("alice", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, snap.State.PauseRequested)
	conv, err := f.store.GetConversation(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, conv.Status)

	f.sched.Advance(10 * time.Second)
	assert.Empty(t, f.gen.Calls())

	snap, err = f.manager.Resume("alice", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, snap.State.Active)
	conv, err = f.store.GetConversation(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)

	snap, err = f.manager.Stop("alice", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, snap.State.Active)
	assert.Equal(t, 0, f.manager.ActiveCount())
}

func TestInterruptPersistsUserMessageAndGetsCourtesyReply(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()
	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	f.sched.Advance(engine.DefaultSpeakingInterval)

	msg, err := f.manager.Interrupt(ctx, "alice", f.conv.ID, "  What about hiring costs?  ")
	require.NoError(t, err)
	assert.Equal(t, store.MessageUser, msg.MessageType)
	assert.Equal(t, "What about hiring costs?", msg.Content)

	snap, err := f.manager.Get("alice", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, snap.State.PauseRequested)

	f.sched.Advance(engine.CourtesyDelay)
	msgs, err := f.store.ListMessages(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, persona.User, msgs[1].Persona)
	assert.NotEqual(t, persona.User, msgs[2].Persona)

	calls := f.gen.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "What about hiring costs?", last.History[len(last.History)-1].Content)

	f.sched.Advance(time.Minute)
	assert.Len(t, f.gen.Calls(), 2)
}

func TestInterruptRequiresContent(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	_, err := f.manager.Start(context.Background(), "alice", f.conv.ID)
	require.NoError(t, err)
	_, err = f.manager.Interrupt(context.Background(), "alice", f.conv.ID, "   ")
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestTopicEvolutionIsStoredAsTopicEvolution(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.MaxRoundsPerTopic = 1
	f := newFixture(t, cfg)
	ctx := context.Background()
	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	f.sched.Advance(engine.DefaultSpeakingInterval)

	msgs, err := f.store.ListMessages(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageTopicEvolution, msgs[1].MessageType)
	assert.Equal(t, persona.Moderator, msgs[1].Persona)
}

func TestGenerationFailureBroadcastsErrorAndPauses(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	f.gen.err = errors.New("provider unavailable")
	ctx := context.Background()
	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	events, cancel, err := f.manager.Subscribe("alice", f.conv.ID)
	require.NoError(t, err)
	defer cancel()

	f.sched.Advance(engine.DefaultSpeakingInterval)

	var errEvent *protocol.ErrorEvent
	for _, ev := range drain(events) {
		if e, ok := ev.(protocol.ErrorEvent); ok {
			errEvent = &e
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, "generation_failed", errEvent.Code)
	assert.Contains(t, errEvent.Detail, "provider unavailable")

	conv, err := f.store.GetConversation(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, conv.Status)
}

func TestOwnershipAndMissingSessions(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()

	_, err := f.manager.Start(ctx, "mallory", f.conv.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.manager.Pause("alice", f.conv.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	_, err = f.manager.Get("mallory", f.conv.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = f.manager.Subscribe("mallory", f.conv.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetIntervalValidatesRange(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	_, err := f.manager.Start(context.Background(), "alice", f.conv.ID)
	require.NoError(t, err)

	_, err = f.manager.SetInterval("alice", f.conv.ID, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrInvalidInterval)

	snap, err := f.manager.SetInterval("alice", f.conv.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), snap.IntervalMS)
}

func TestSyncMessageReachesEngineHistory(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()
	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)

	f.manager.SyncMessage(f.conv.ID, store.Message{ID: "m1", Content: "posted via REST", Persona: persona.User})
	f.sched.Advance(engine.DefaultSpeakingInterval)

	calls := f.gen.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].History, 1)
	assert.Equal(t, "posted via REST", calls[0].History[0].Content)
}

func TestExpireInactiveClosesUnwatchedSessions(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()
	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	_, err = f.manager.Stop("alice", f.conv.ID)
	require.NoError(t, err)

	var expired []Snapshot
	f.manager.SetExpireHook(func(s Snapshot) { expired = append(expired, s) })

	f.manager.expireInactive()
	require.Empty(t, expired)

	base := time.Now().UTC()
	f.manager.now = func() time.Time { return base.Add(2 * time.Minute) }
	f.manager.expireInactive()

	require.Len(t, expired, 1)
	assert.Equal(t, f.conv.ID, expired[0].ConversationID)
	_, err = f.manager.Get("alice", f.conv.ID)
	require.ErrorIs(t, err, ErrNotFound)

	f.sched.Advance(time.Minute)
	assert.Empty(t, f.gen.Calls())
}

func TestExpireInactiveKeepsRunningUnwatchedSessions(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	_, err := f.manager.Start(context.Background(), "alice", f.conv.ID)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		f.sched.Advance(engine.DefaultSpeakingInterval)
	}
	require.Len(t, f.gen.Calls(), 30)

	base := time.Now().UTC()
	f.manager.now = func() time.Time { return base.Add(2 * time.Minute) }
	f.manager.expireInactive()

	snap, err := f.manager.Get("alice", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, snap.State.Active)

	f.sched.Advance(engine.DefaultSpeakingInterval)
	assert.Len(t, f.gen.Calls(), 31)
}

func TestTurnsRefreshSessionActivity(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	_, err := f.manager.Start(context.Background(), "alice", f.conv.ID)
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Hour)
	f.manager.now = func() time.Time { return later }
	f.sched.Advance(engine.DefaultSpeakingInterval)

	snap, err := f.manager.Get("alice", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, later, snap.LastActivityAt)
}

func TestTeardownOfRunningSessionMirrorsPaused(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()
	_, err := f.manager.Start(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	conv, err := f.store.GetConversation(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, conv.Status)

	f.manager.Close()

	conv, err = f.store.GetConversation(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, conv.Status)
}

func TestTeardownOfIdleSessionKeepsStatus(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	ctx := context.Background()
	_, err := f.manager.Open(ctx, "alice", f.conv.ID)
	require.NoError(t, err)

	f.manager.Close()

	conv, err := f.store.GetConversation(ctx, "alice", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)
}

func TestExpireInactiveKeepsWatchedSessions(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	_, err := f.manager.Start(context.Background(), "alice", f.conv.ID)
	require.NoError(t, err)
	_, cancel, err := f.manager.Subscribe("alice", f.conv.ID)
	require.NoError(t, err)
	defer cancel()

	base := time.Now().UTC()
	f.manager.now = func() time.Time { return base.Add(time.Hour) }
	f.manager.expireInactive()

	_, err = f.manager.Get("alice", f.conv.ID)
	require.NoError(t, err)
}

func TestRemoveClosesSubscribers(t *testing.T) {
	f := newFixture(t, engine.DefaultConfig())
	_, err := f.manager.Start(context.Background(), "alice", f.conv.ID)
	require.NoError(t, err)
	events, cancel, err := f.manager.Subscribe("alice", f.conv.ID)
	require.NoError(t, err)

	f.manager.Remove(f.conv.ID)
	cancel()

	var last any
	for ev := range events {
		last = ev
	}
	sys, ok := last.(protocol.SystemEvent)
	require.True(t, ok, "got %T", last)
	assert.Equal(t, "session_closed", sys.Code)

	_, err = f.manager.Get("alice", f.conv.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
