package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-web-chat-demo/backend/ai"
	"ai-web-chat-demo/backend/chat/models"
	"ai-web-chat-demo/backend/chat/transcript"
	pkgerrors "ai-web-chat-demo/backend/pkg/errors"
	"ai-web-chat-demo/backend/pkg/logger"
)

type fakeStreamer struct {
	mu       sync.Mutex
	chunks   []string
	result   ai.CompletionResult
	err      error
	started  chan struct{}
	release  chan struct{}
	requests []ai.CompletionRequest
}

func (f *fakeStreamer) StreamMessage(ctx context.Context, req ai.CompletionRequest, onChunk func(string)) (ai.CompletionResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	for _, c := range f.chunks {
		onChunk(c)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ai.CompletionResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return ai.CompletionResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeStreamer) lastRequest() ai.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]models.ChatSession
	messages  map[string][]models.Message
	titles    map[string]string
	failSaves int
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]models.ChatSession),
		messages: make(map[string][]models.Message),
		titles:   make(map[string]string),
	}
}

func (s *fakeStore) SaveSession(ctx context.Context, ownerID string, session *models.ChatSession) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *session
	s.sessions[stored.ID] = stored
	return &stored, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, ownerID, chatID string, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSaves > 0 {
		s.failSaves--
		return nil, errors.New("storage unavailable")
	}
	stored := *msg
	if stored.ID == "" || models.IsProvisionalID(stored.ID) {
		stored.ID = models.NewMessageID()
	}
	s.messages[chatID] = append(s.messages[chatID], stored)
	return &stored, nil
}

func (s *fakeStore) LoadSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	return nil, nil
}

func (s *fakeStore) DeleteSession(ctx context.Context, ownerID, chatID string) error {
	return nil
}

func (s *fakeStore) UpdateTitle(ctx context.Context, ownerID, chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[chatID] = title
	return nil
}

func (s *fakeStore) persisted(chatID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages[chatID]))
	copy(out, s.messages[chatID])
	return out
}

type mapCorrelation struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCorrelation() *mapCorrelation { return &mapCorrelation{m: make(map[string]string)} }

func (c *mapCorrelation) Get(chatID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[chatID]
	return v, ok
}

func (c *mapCorrelation) Set(chatID, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[chatID] = conversationID
}

func (c *mapCorrelation) Clear(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, chatID)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) byType(t string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	engine      *Engine
	transcripts *transcript.Store
	streamer    *fakeStreamer
	store       *fakeStore
	correlation *mapCorrelation
	notifier    *recordingNotifier
}

func newFixture(t *testing.T, streamer *fakeStreamer, opts ...func(*Config)) *fixture {
	t.Helper()
	transcripts := transcript.NewStore()
	store := newFakeStore()
	correlation := newMapCorrelation()
	notifier := &recordingNotifier{}

	cfg := Config{
		Mode:        "anonymous",
		Transcripts: transcripts,
		Streamer:    streamer,
		Store:       store,
		Correlation: correlation,
		Notifier:    notifier,
		Logger:      logger.New(logger.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &fixture{
		engine:      New(cfg),
		transcripts: transcripts,
		streamer:    streamer,
		store:       store,
		correlation: correlation,
		notifier:    notifier,
	}
}

func (f *fixture) seedChat(chatID, owner string) {
	f.transcripts.Put(models.ChatSession{
		ID:        chatID,
		OwnerID:   owner,
		Title:     models.DefaultTitle,
		CreatedAt: time.Now().UTC(),
	})
}

func TestSendMessageFullTurn(t *testing.T) {
	streamer := &fakeStreamer{
		chunks: []string{"The sky ", "is blue."},
		result: ai.CompletionResult{Message: "The sky is blue.", ConversationID: "conv-42"},
	}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	err := f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "why is the sky blue?")
	require.NoError(t, err)

	msgs := f.transcripts.Messages("chat-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "why is the sky blue?", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "The sky is blue.", msgs[1].Content)

	// Both entries carry durable identities after the turn settles.
	assert.False(t, models.IsProvisionalID(msgs[0].ID))
	assert.False(t, models.IsProvisionalID(msgs[1].ID))

	persisted := f.store.persisted("chat-1")
	require.Len(t, persisted, 2)

	convID, ok := f.correlation.Get("chat-1")
	assert.True(t, ok)
	assert.Equal(t, "conv-42", convID)

	assert.Equal(t, StateIdle, f.engine.State("chat-1"))
}

func TestSendMessageStreamsDeltasInOrder(t *testing.T) {
	streamer := &fakeStreamer{
		chunks: []string{"a", "b", "c"},
		result: ai.CompletionResult{Message: "abc"},
	}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "hi"))

	deltas := f.notifier.byType(EventDelta)
	require.Len(t, deltas, 3)
	assert.Equal(t, "a", deltas[0].Content)
	assert.Equal(t, "b", deltas[1].Content)
	assert.Equal(t, "c", deltas[2].Content)

	// Typing turned on before the first chunk and off after settling.
	typing := f.notifier.byType(EventTyping)
	require.Len(t, typing, 2)
	assert.True(t, typing[0].Typing)
	assert.False(t, typing[1].Typing)
}

func TestSendMessageReusesConversationID(t *testing.T) {
	streamer := &fakeStreamer{result: ai.CompletionResult{Message: "ok", ConversationID: "conv-7"}}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "first"))
	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "second"))

	assert.Equal(t, "conv-7", streamer.lastRequest().ConversationID)
}

func TestSendMessageEmptyContentIsNoOp(t *testing.T) {
	streamer := &fakeStreamer{}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "   \n\t "))

	assert.Empty(t, f.transcripts.Messages("chat-1"))
	assert.Empty(t, streamer.requests)
}

func TestSendMessageQuotaReachedIsNoOp(t *testing.T) {
	streamer := &fakeStreamer{result: ai.CompletionResult{Message: "ok"}}
	f := newFixture(t, streamer, func(cfg *Config) {
		cfg.Quota = QuotaPolicy{MaxMessagesPerSession: 1}
	})
	f.seedChat("chat-1", "dev-1")

	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "first"))
	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "second"))

	assert.Equal(t, 1, f.transcripts.CountByRole("chat-1", models.RoleUser))
	assert.Len(t, streamer.requests, 1)
	assert.False(t, f.engine.CanSend("chat-1"))
}

func TestSendMessageRefusesConcurrentTurn(t *testing.T) {
	streamer := &fakeStreamer{
		chunks:  []string{"partial"},
		result:  ai.CompletionResult{Message: "partial"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	started := streamer.started
	done := make(chan error, 1)
	go func() {
		done <- f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "slow one")
	}()
	<-started

	err := f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "too eager")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeTurnInFlight, pkgerrors.GetErrorCode(err))

	close(streamer.release)
	require.NoError(t, <-done)

	// Only the first turn reached the transcript.
	assert.Equal(t, 1, f.transcripts.CountByRole("chat-1", models.RoleUser))
}

func TestSendMessageUpstreamFailureSubstitutesApology(t *testing.T) {
	streamer := &fakeStreamer{
		chunks: []string{"half an ans"},
		err:    &ai.TransportError{StatusCode: 502, Reason: "bad gateway"},
	}
	f := newFixture(t, streamer, func(cfg *Config) {
		cfg.Apology = AnonymousApology
	})
	f.seedChat("chat-1", "dev-1")

	err := f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "hello?")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUpstreamError, pkgerrors.GetErrorCode(err))

	msgs := f.transcripts.Messages("chat-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, AnonymousApology, msgs[1].Content)
	assert.False(t, models.IsProvisionalID(msgs[1].ID))

	// The apology is persisted like any assistant message.
	persisted := f.store.persisted("chat-1")
	require.Len(t, persisted, 2)
	assert.Equal(t, AnonymousApology, persisted[1].Content)
}

func TestSendMessageUpstreamFailureWithoutChunksInsertsApology(t *testing.T) {
	streamer := &fakeStreamer{err: &ai.TransportError{Reason: "connection refused"}}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	err := f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "hello?")
	require.Error(t, err)

	msgs := f.transcripts.Messages("chat-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, DefaultApology, msgs[1].Content)
}

func TestSendMessageStreamTimeoutSubstitutesApology(t *testing.T) {
	// A streamer that never produces a result, so the turn deadline fires.
	streamer := &fakeStreamer{release: make(chan struct{})}
	f := newFixture(t, streamer, func(cfg *Config) {
		cfg.StreamTimeout = 50 * time.Millisecond
	})
	f.seedChat("chat-1", "dev-1")

	err := f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "anyone there?")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUpstreamError, pkgerrors.GetErrorCode(err))

	msgs := f.transcripts.Messages("chat-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, DefaultApology, msgs[1].Content)
	assert.False(t, models.IsProvisionalID(msgs[1].ID))

	// The apology reaches storage even though the turn context expired.
	persisted := f.store.persisted("chat-1")
	require.Len(t, persisted, 2)
	assert.Equal(t, DefaultApology, persisted[1].Content)

	assert.False(t, f.engine.Typing("chat-1"))
	assert.Equal(t, StateIdle, f.engine.State("chat-1"))
}

func TestSendMessageEmptyAnswerUsesFallback(t *testing.T) {
	streamer := &fakeStreamer{result: ai.CompletionResult{Message: "   "}}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "anything there?"))

	msgs := f.transcripts.Messages("chat-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, FallbackEmptyResponse, msgs[1].Content)
}

func TestSendMessagePersistenceFailureKeepsLocalEcho(t *testing.T) {
	streamer := &fakeStreamer{result: ai.CompletionResult{Message: "fine"}}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")
	f.store.failSaves = 2 // user message and assistant message both fail

	retriesOK := testutil.ToFloat64(persistenceRetries.WithLabelValues("anonymous", "ok"))

	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "flaky storage"))

	msgs := f.transcripts.Messages("chat-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "flaky storage", msgs[0].Content)
	assert.True(t, models.IsProvisionalID(msgs[0].ID))
	assert.Len(t, f.transcripts.Unsynced("chat-1"), 2)

	// The next turn retries the failed writes before streaming.
	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "healed now"))
	assert.Empty(t, f.transcripts.Unsynced("chat-1"))
	assert.Equal(t, retriesOK+2, testutil.ToFloat64(persistenceRetries.WithLabelValues("anonymous", "ok")))

	persisted := f.store.persisted("chat-1")
	assert.Len(t, persisted, 4)
}

func TestCancelDiscardsPlaceholder(t *testing.T) {
	streamer := &fakeStreamer{
		chunks:  []string{"doomed draft"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	started := streamer.started
	done := make(chan error, 1)
	go func() {
		done <- f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "never mind")
	}()
	<-started

	assert.True(t, f.engine.Cancel("chat-1"))
	require.NoError(t, <-done)

	msgs := f.transcripts.Messages("chat-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)

	// Nothing from the assistant reached storage.
	for _, m := range f.store.persisted("chat-1") {
		assert.NotEqual(t, models.RoleAssistant, m.Role)
	}
}

func TestCancelWithoutTurn(t *testing.T) {
	f := newFixture(t, &fakeStreamer{})
	assert.False(t, f.engine.Cancel("chat-1"))
}

func TestTitleDerivedFromFirstUserMessage(t *testing.T) {
	streamer := &fakeStreamer{result: ai.CompletionResult{Message: "ok"}}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "Tell me about tidal forces"))

	assert.Equal(t, "Tell me about tidal forces", f.transcripts.Title("chat-1"))
	assert.Equal(t, "Tell me about tidal forces", f.store.titles["chat-1"])

	// A later message never renames the session.
	require.NoError(t, f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "Something else entirely"))
	assert.Equal(t, "Tell me about tidal forces", f.transcripts.Title("chat-1"))
}

func TestTypingWindowCoversAwaitingFirstChunk(t *testing.T) {
	streamer := &fakeStreamer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  ai.CompletionResult{Message: "late"},
	}
	f := newFixture(t, streamer)
	f.seedChat("chat-1", "dev-1")

	started := streamer.started
	done := make(chan error, 1)
	go func() {
		done <- f.engine.SendMessage(context.Background(), "dev-1", "chat-1", "hi")
	}()
	<-started

	// No chunk has arrived yet, so the indicator is on.
	assert.True(t, f.engine.Typing("chat-1"))

	close(streamer.release)
	require.NoError(t, <-done)
	assert.False(t, f.engine.Typing("chat-1"))
}

func TestQuotaPolicy(t *testing.T) {
	q := QuotaPolicy{MaxMessagesPerSession: 2, MaxChatsPerOwner: 3}

	assert.True(t, q.CanSend(0))
	assert.True(t, q.CanSend(1))
	assert.False(t, q.CanSend(2))

	assert.True(t, q.CanCreateChat(2))
	assert.False(t, q.CanCreateChat(3))

	unlimited := QuotaPolicy{}
	assert.True(t, unlimited.CanSend(10000))
	assert.True(t, unlimited.CanCreateChat(10000))
}
