// Package engine drives the lifecycle of a message turn: appending the
// user's message, streaming the assistant's reply into a placeholder
// and reconciling both against the persistence layer.
package engine

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"ai-web-chat-demo/backend/ai"
	"ai-web-chat-demo/backend/chat/models"
	"ai-web-chat-demo/backend/chat/repository"
	"ai-web-chat-demo/backend/chat/transcript"
	"ai-web-chat-demo/backend/pkg/errors"
	"ai-web-chat-demo/backend/pkg/logger"
)

// TurnState tracks where an in-flight turn is in its lifecycle.
type TurnState int

const (
	StateIdle TurnState = iota
	StateSending
	StateAwaitingFirstChunk
	StateStreaming
	StateFinalizing
)

func (s TurnState) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateAwaitingFirstChunk:
		return "awaiting_first_chunk"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// DefaultApology replaces the assistant placeholder when a turn fails.
const DefaultApology = "I'm sorry, I couldn't process your message. Please try again."

// AnonymousApology is the anonymous-mode variant, which also points at
// the message ceiling.
const AnonymousApology = "I'm sorry, there was an error processing your message. Please try again, or sign up to keep chatting without the message limit."

// FallbackEmptyResponse stands in when the upstream stream completes
// without producing any text.
const FallbackEmptyResponse = "I'm sorry, I wasn't able to generate a response. Please try again."

// Streamer produces assistant responses as a stream of content
// increments. The upstream client satisfies it.
type Streamer interface {
	StreamMessage(ctx context.Context, req ai.CompletionRequest, onChunk func(string)) (ai.CompletionResult, error)
}

// Config wires an engine instance for one chat mode.
type Config struct {
	Mode          string
	Transcripts   *transcript.Store
	Streamer      Streamer
	Store         repository.SessionStore
	Quota         QuotaPolicy
	Correlation   CorrelationStore
	Notifier      Notifier
	Logger        *logger.Logger
	StreamTimeout time.Duration
	TitleMaxLen   int
	Apology       string
}

type turn struct {
	state  TurnState
	cancel context.CancelFunc
}

// Engine owns the per-session turn state machine. At most one turn per
// session is in flight at any time.
type Engine struct {
	mode          string
	transcripts   *transcript.Store
	streamer      Streamer
	store         repository.SessionStore
	quota         QuotaPolicy
	correlation   CorrelationStore
	notifier      Notifier
	log           *logger.Logger
	streamTimeout time.Duration
	titleMaxLen   int
	apology       string

	mu    sync.Mutex
	turns map[string]*turn
}

func New(cfg Config) *Engine {
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetGlobal()
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 60 * time.Second
	}
	if cfg.TitleMaxLen <= 0 {
		cfg.TitleMaxLen = 30
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.Mode == "" {
		cfg.Mode = "user"
	}
	return &Engine{
		mode:          cfg.Mode,
		transcripts:   cfg.Transcripts,
		streamer:      cfg.Streamer,
		store:         cfg.Store,
		quota:         cfg.Quota,
		correlation:   cfg.Correlation,
		notifier:      cfg.Notifier,
		log:           cfg.Logger,
		streamTimeout: cfg.StreamTimeout,
		titleMaxLen:   cfg.TitleMaxLen,
		apology:       cfg.Apology,
	}
}

// Quota exposes the engine's ceilings for status reporting.
func (e *Engine) Quota() QuotaPolicy {
	return e.quota
}

// State returns the lifecycle state of the session's current turn.
func (e *Engine) State(chatID string) TurnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.turns[chatID]; ok {
		return t.state
	}
	return StateIdle
}

// Typing reports whether the assistant placeholder is still pending,
// which is the window a typing indicator covers.
func (e *Engine) Typing(chatID string) bool {
	return e.State(chatID) == StateAwaitingFirstChunk
}

// CanSend reports whether the session may accept another user message.
func (e *Engine) CanSend(chatID string) bool {
	return e.quota.CanSend(e.transcripts.CountByRole(chatID, models.RoleUser))
}

// Cancel aborts the session's in-flight turn, if any. The cancelled
// turn discards its placeholder and persists nothing further.
func (e *Engine) Cancel(chatID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.turns[chatID]; ok {
		t.cancel()
		return true
	}
	return false
}

func (e *Engine) beginTurn(chatID string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turns == nil {
		e.turns = make(map[string]*turn)
	}
	if _, ok := e.turns[chatID]; ok {
		return errors.NewConflictError(errors.CodeTurnInFlight, "a message is already being processed for this chat")
	}
	e.turns[chatID] = &turn{state: StateSending, cancel: cancel}
	return nil
}

func (e *Engine) setState(chatID string, s TurnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.turns[chatID]; ok {
		t.state = s
	}
}

func (e *Engine) endTurn(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.turns, chatID)
}

// SendMessage runs one full message turn for the session. Empty input
// and exhausted quotas resolve silently without starting a turn; a
// turn already in flight is refused with a conflict error.
func (e *Engine) SendMessage(ctx context.Context, ownerID, chatID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if !e.CanSend(chatID) {
		e.log.Info("message refused, session quota reached", "chat_id", chatID)
		return nil
	}

	turnCtx, cancel := context.WithTimeout(ctx, e.streamTimeout)
	defer cancel()
	if err := e.beginTurn(chatID, cancel); err != nil {
		return err
	}
	defer e.endTurn(chatID)

	log := e.log.WithChatID(chatID)
	started := time.Now()
	turnsStarted.WithLabelValues(e.mode).Inc()

	e.flushUnsynced(turnCtx, ownerID, chatID, log)

	userMsg := e.appendUserMessage(turnCtx, ownerID, chatID, content, log)
	e.notifier.Publish(Event{Type: EventMessage, ChatID: chatID, MessageID: userMsg.ID, Content: userMsg.Content})

	e.setState(chatID, StateAwaitingFirstChunk)
	e.notifier.Publish(Event{Type: EventTyping, ChatID: chatID, Typing: true})
	defer e.notifier.Publish(Event{Type: EventTyping, ChatID: chatID, Typing: false})

	outcome, err := e.streamAssistantReply(turnCtx, ownerID, chatID, content, log)
	turnsCompleted.WithLabelValues(e.mode, outcome).Inc()
	turnDuration.WithLabelValues(e.mode).Observe(time.Since(started).Seconds())
	return err
}

// appendUserMessage echoes the user's message into the transcript
// immediately, then reconciles it with its persisted identity. A
// persistence failure keeps the in-memory copy and schedules a retry.
func (e *Engine) appendUserMessage(ctx context.Context, ownerID, chatID, content string, log *logger.Logger) models.Message {
	msg := models.NewMessage(chatID, models.RoleUser, content)
	if err := e.transcripts.Append(chatID, msg); err != nil {
		log.LogError(err, "failed to append user message")
		return msg
	}

	e.maybeDeriveTitle(ctx, ownerID, chatID, content, log)

	persisted, err := e.store.SaveMessage(ctx, ownerID, chatID, &msg)
	if err != nil {
		log.LogError(err, "failed to persist user message, keeping in-memory copy")
		e.transcripts.MarkUnsynced(chatID, msg.ID)
		return msg
	}
	e.transcripts.Replace(chatID, msg.ID, *persisted)
	e.transcripts.Touch(chatID, time.Now().UTC())
	return *persisted
}

// maybeDeriveTitle names the session after its first user message when
// it still carries the default title.
func (e *Engine) maybeDeriveTitle(ctx context.Context, ownerID, chatID, content string, log *logger.Logger) {
	if e.transcripts.Title(chatID) != models.DefaultTitle {
		return
	}
	if e.transcripts.CountByRole(chatID, models.RoleUser) != 1 {
		return
	}
	title := models.DeriveTitle(content, e.titleMaxLen)
	e.transcripts.SetTitle(chatID, title)
	if err := e.store.UpdateTitle(ctx, ownerID, chatID, title); err != nil {
		log.LogError(err, "failed to persist session title")
	}
}

func (e *Engine) streamAssistantReply(ctx context.Context, ownerID, chatID, content string, log *logger.Logger) (string, error) {
	conversationID, _ := e.correlation.Get(chatID)

	placeholderID := models.NewPlaceholderID()
	inserted := false
	var accumulated strings.Builder

	onChunk := func(chunk string) {
		accumulated.WriteString(chunk)
		if !inserted {
			inserted = true
			e.setState(chatID, StateStreaming)
			placeholder := models.Message{
				ID:        placeholderID,
				ChatID:    chatID,
				Role:      models.RoleAssistant,
				Content:   chunk,
				CreatedAt: time.Now().UTC(),
			}
			if err := e.transcripts.Append(chatID, placeholder); err != nil {
				log.LogError(err, "failed to insert assistant placeholder")
				return
			}
		} else {
			if err := e.transcripts.UpdateContent(chatID, placeholderID, accumulated.String()); err != nil {
				log.LogError(err, "failed to grow assistant placeholder")
			}
		}
		streamChunks.WithLabelValues(e.mode).Inc()
		e.notifier.Publish(Event{Type: EventDelta, ChatID: chatID, MessageID: placeholderID, Content: chunk})
	}

	result, err := e.streamer.StreamMessage(ctx, ai.CompletionRequest{
		ChatID:         chatID,
		Query:          content,
		ConversationID: conversationID,
	}, onChunk)

	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			if inserted {
				e.transcripts.Remove(chatID, placeholderID)
			}
			log.Info("turn cancelled")
			return "cancelled", nil
		}
		log.LogError(err, "upstream stream failed")
		e.notifier.Publish(Event{Type: EventError, ChatID: chatID, Content: e.apology})
		// The turn context may already be dead; the apology still
		// needs to reach storage.
		e.finalizeAssistantMessage(context.WithoutCancel(ctx), ownerID, chatID, placeholderID, inserted, e.apology, log)
		return "failed", errors.NewBadGatewayError(errors.CodeUpstreamError, "failed to get a response from the assistant")
	}

	final := result.Message
	if strings.TrimSpace(final) == "" {
		final = FallbackEmptyResponse
	}
	if result.ConversationID != "" {
		e.correlation.Set(chatID, result.ConversationID)
	}

	e.setState(chatID, StateFinalizing)
	e.finalizeAssistantMessage(ctx, ownerID, chatID, placeholderID, inserted, final, log)
	return "ok", nil
}

// finalizeAssistantMessage settles the placeholder on the final text
// and swaps in the persisted identity. The substitution happens at the
// placeholder's position; repeated finalization is a no-op because the
// provisional id disappears on the first pass.
func (e *Engine) finalizeAssistantMessage(ctx context.Context, ownerID, chatID, placeholderID string, inserted bool, final string, log *logger.Logger) {
	if !inserted {
		placeholder := models.Message{
			ID:        placeholderID,
			ChatID:    chatID,
			Role:      models.RoleAssistant,
			Content:   final,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.transcripts.Append(chatID, placeholder); err != nil {
			log.LogError(err, "failed to insert assistant message")
			return
		}
	} else if err := e.transcripts.UpdateContent(chatID, placeholderID, final); err != nil {
		log.LogError(err, "failed to settle assistant message")
	}

	msg := models.Message{
		ID:      placeholderID,
		ChatID:  chatID,
		Role:    models.RoleAssistant,
		Content: final,
	}
	persisted, err := e.store.SaveMessage(ctx, ownerID, chatID, &msg)
	if err != nil {
		log.LogError(err, "failed to persist assistant message, keeping in-memory copy")
		e.transcripts.MarkUnsynced(chatID, placeholderID)
		return
	}
	e.transcripts.Replace(chatID, placeholderID, *persisted)
	e.transcripts.Touch(chatID, time.Now().UTC())
	e.notifier.Publish(Event{Type: EventMessage, ChatID: chatID, MessageID: persisted.ID, Content: persisted.Content})
}

// flushUnsynced retries messages whose earlier persistence writes
// failed. Runs at the start of each turn so a transient outage heals
// on the next send.
func (e *Engine) flushUnsynced(ctx context.Context, ownerID, chatID string, log *logger.Logger) {
	for _, msg := range e.transcripts.Unsynced(chatID) {
		m := msg
		persisted, err := e.store.SaveMessage(ctx, ownerID, chatID, &m)
		if err != nil {
			persistenceRetries.WithLabelValues(e.mode, "failed").Inc()
			log.LogError(err, "persistence retry failed", "message_id", msg.ID)
			continue
		}
		persistenceRetries.WithLabelValues(e.mode, "ok").Inc()
		e.transcripts.Replace(chatID, msg.ID, *persisted)
	}
}
