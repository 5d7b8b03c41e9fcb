// Package service exposes the chat operations the HTTP layer binds:
// session lifecycle, transcript reads and message turns.
package service

import (
	"context"
	"time"

	"ai-web-chat-demo/backend/chat/engine"
	"ai-web-chat-demo/backend/chat/models"
	"ai-web-chat-demo/backend/chat/repository"
	"ai-web-chat-demo/backend/chat/transcript"
	"ai-web-chat-demo/backend/pkg/errors"
	"ai-web-chat-demo/backend/pkg/logger"
)

// DeleteOutcome reports how deleting a session affects the caller's
// current selection.
type DeleteOutcome string

const (
	// OutcomeSwitched means the deleted session was the selected one
	// and NextChatID (possibly empty) should replace it.
	OutcomeSwitched DeleteOutcome = "switched"
	// OutcomeNoChange means the selection is unaffected.
	OutcomeNoChange DeleteOutcome = "no-change"
)

// DeleteResult carries the follow-up selection after a delete.
type DeleteResult struct {
	Outcome    DeleteOutcome `json:"outcome"`
	NextChatID string        `json:"next_chat_id,omitempty"`
}

// ChatStatus summarizes a session's quota and turn state.
type ChatStatus struct {
	ChatID       string `json:"chat_id"`
	Typing       bool   `json:"typing"`
	TurnState    string `json:"turn_state"`
	MessageCount int    `json:"message_count"`
	MaxMessages  int    `json:"max_messages,omitempty"`
	CanSend      bool   `json:"can_send"`
	Dirty        bool   `json:"dirty"`
}

// ChatService coordinates the transcript store, the turn engine and
// one persistence adapter. The server runs two instances, one per
// ownership mode, over the same engine machinery.
type ChatService struct {
	engine      *engine.Engine
	transcripts *transcript.Store
	store       repository.SessionStore
	correlation engine.CorrelationStore
	log         *logger.Logger
}

func NewChatService(eng *engine.Engine, transcripts *transcript.Store, store repository.SessionStore, correlation engine.CorrelationStore, log *logger.Logger) *ChatService {
	return &ChatService{
		engine:      eng,
		transcripts: transcripts,
		store:       store,
		correlation: correlation,
		log:         log,
	}
}

// CreateChat starts a new session for the owner. When the owner's
// session ceiling is reached the caller gets a distinct limit error
// instead of a session.
func (s *ChatService) CreateChat(ctx context.Context, ownerID string) (*models.ChatSession, error) {
	existing, err := s.store.LoadSessions(ctx, ownerID)
	if err != nil {
		return nil, errors.NewInternalServerError(errors.CodePersistenceFailure, "failed to load chat sessions")
	}
	if !s.engine.Quota().CanCreateChat(len(existing)) {
		return nil, errors.NewConflictError(errors.CodeChatLimitExceeded, "chat session limit reached")
	}

	session := models.ChatSession{
		ID:        models.NewChatID(),
		OwnerID:   ownerID,
		Title:     models.DefaultTitle,
		CreatedAt: time.Now().UTC(),
	}
	persisted, err := s.store.SaveSession(ctx, ownerID, &session)
	if err != nil {
		return nil, errors.NewInternalServerError(errors.CodePersistenceFailure, "failed to create chat session")
	}
	s.transcripts.Put(*persisted)
	return persisted, nil
}

// Chats loads every session for the owner, newest first, and hydrates
// the in-memory store so subsequent turns see the full transcripts.
func (s *ChatService) Chats(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	sessions, err := s.store.LoadSessions(ctx, ownerID)
	if err != nil {
		return nil, errors.NewInternalServerError(errors.CodePersistenceFailure, "failed to load chat sessions")
	}
	for _, session := range sessions {
		if !s.transcripts.Has(session.ID) {
			s.transcripts.Put(session)
		}
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	return sessions, nil
}

// Chat returns one session with its transcript. The in-memory copy
// wins over storage because it may hold a turn still settling.
func (s *ChatService) Chat(ctx context.Context, ownerID, chatID string) (*models.ChatSession, error) {
	if session, ok := s.transcripts.Session(chatID); ok {
		if session.OwnerID != ownerID {
			return nil, errors.NewNotFoundError(errors.CodeChatNotFound, "chat session not found")
		}
		return &session, nil
	}
	if err := s.hydrate(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	session, _ := s.transcripts.Session(chatID)
	return &session, nil
}

// DeleteChat removes the session everywhere, including its upstream
// conversation correlation. currentChatID tells the service which
// session the caller has selected so it can pick a successor.
func (s *ChatService) DeleteChat(ctx context.Context, ownerID, chatID, currentChatID string) (*DeleteResult, error) {
	// Stop any in-flight turn first so a late save cannot recreate the
	// session after the store delete.
	s.engine.Cancel(chatID)
	if err := s.store.DeleteSession(ctx, ownerID, chatID); err != nil {
		return nil, errors.NewInternalServerError(errors.CodePersistenceFailure, "failed to delete chat session")
	}
	s.transcripts.Delete(chatID)
	s.correlation.Clear(chatID)

	if currentChatID != chatID {
		return &DeleteResult{Outcome: OutcomeNoChange}, nil
	}

	remaining, err := s.store.LoadSessions(ctx, ownerID)
	if err != nil {
		s.log.LogError(err, "failed to pick successor chat", "chat_id", chatID)
		return &DeleteResult{Outcome: OutcomeSwitched}, nil
	}
	result := &DeleteResult{Outcome: OutcomeSwitched}
	if len(remaining) > 0 {
		result.NextChatID = remaining[0].ID
	}
	return result, nil
}

// SendMessage runs a message turn against the session, creating the
// session on first use when the id is unknown.
func (s *ChatService) SendMessage(ctx context.Context, ownerID, chatID, content string) error {
	if !s.transcripts.Has(chatID) {
		if err := s.hydrate(ctx, ownerID, chatID); err != nil {
			if errors.GetErrorCode(err) != errors.CodeChatNotFound {
				return err
			}
			s.transcripts.Put(models.ChatSession{
				ID:        chatID,
				OwnerID:   ownerID,
				Title:     models.DefaultTitle,
				CreatedAt: time.Now().UTC(),
			})
		}
	}
	return s.engine.SendMessage(ctx, ownerID, chatID, content)
}

// CancelTurn aborts the session's in-flight turn, if any.
func (s *ChatService) CancelTurn(chatID string) bool {
	return s.engine.Cancel(chatID)
}

// Messages returns the session's transcript in order.
func (s *ChatService) Messages(ctx context.Context, ownerID, chatID string) ([]models.Message, error) {
	session, err := s.Chat(ctx, ownerID, chatID)
	if err != nil {
		return nil, err
	}
	if session.Messages == nil {
		return []models.Message{}, nil
	}
	return session.Messages, nil
}

// Status reports the session's typing indicator, turn state and quota
// headroom.
func (s *ChatService) Status(chatID string) ChatStatus {
	return ChatStatus{
		ChatID:       chatID,
		Typing:       s.engine.Typing(chatID),
		TurnState:    s.engine.State(chatID).String(),
		MessageCount: s.transcripts.CountByRole(chatID, models.RoleUser),
		MaxMessages:  s.engine.Quota().MaxMessagesPerSession,
		CanSend:      s.engine.CanSend(chatID),
		Dirty:        s.transcripts.Dirty(chatID),
	}
}

func (s *ChatService) hydrate(ctx context.Context, ownerID, chatID string) error {
	sessions, err := s.store.LoadSessions(ctx, ownerID)
	if err != nil {
		return errors.NewInternalServerError(errors.CodePersistenceFailure, "failed to load chat sessions")
	}
	for _, session := range sessions {
		if session.ID == chatID {
			s.transcripts.Put(session)
			return nil
		}
	}
	return errors.NewNotFoundError(errors.CodeChatNotFound, "chat session not found")
}
