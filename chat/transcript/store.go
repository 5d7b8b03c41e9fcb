// Package transcript holds the in-memory source of truth for chat
// transcripts. Persistence adapters write through it but never replace
// it: readers always see the store, not the backing storage.
package transcript

import (
	"sort"
	"sync"
	"time"

	"ai-web-chat-demo/backend/chat/models"
	"ai-web-chat-demo/backend/pkg/errors"
)

// Store keeps every loaded chat session and its ordered messages in
// memory. All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

type sessionState struct {
	meta     models.ChatSession
	messages []models.Message
	// unsynced tracks message ids that failed to persist and still
	// need a write-through retry.
	unsynced map[string]bool
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*sessionState)}
}

// Put loads or replaces a whole session, messages included. Used when
// hydrating from a persistence adapter.
func (s *Store) Put(session models.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]models.Message, len(session.Messages))
	copy(msgs, session.Messages)
	meta := session
	meta.Messages = nil
	s.sessions[session.ID] = &sessionState{
		meta:     meta,
		messages: msgs,
		unsynced: make(map[string]bool),
	}
}

// Has reports whether the session is loaded.
func (s *Store) Has(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[chatID]
	return ok
}

// Session returns a copy of the session with its messages attached.
func (s *Store) Session(chatID string) (models.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[chatID]
	if !ok {
		return models.ChatSession{}, false
	}
	out := st.meta
	out.Messages = make([]models.Message, len(st.messages))
	copy(out.Messages, st.messages)
	return out, true
}

// Sessions returns every loaded session for the given owner, newest
// first, without messages attached.
func (s *Store) Sessions(ownerID string) []models.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ChatSession
	for _, st := range s.sessions {
		if st.meta.OwnerID == ownerID {
			out = append(out, st.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Messages returns a copy of the ordered transcript.
func (s *Store) Messages(chatID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[chatID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(st.messages))
	copy(out, st.messages)
	return out
}

// CountByRole returns how many transcript entries carry the role.
func (s *Store) CountByRole(chatID, role string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[chatID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range st.messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

// Append adds a message to the end of the transcript.
func (s *Store) Append(chatID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[chatID]
	if !ok {
		return errors.NewNotFoundError(errors.CodeChatNotFound, "chat session not found")
	}
	st.messages = append(st.messages, msg)
	return nil
}

// UpdateContent rewrites the content of an existing message in place.
// Identity, role, position and timestamp are untouched.
func (s *Store) UpdateContent(chatID, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[chatID]
	if !ok {
		return errors.NewNotFoundError(errors.CodeChatNotFound, "chat session not found")
	}
	for i := range st.messages {
		if st.messages[i].ID == messageID {
			st.messages[i].Content = content
			return nil
		}
	}
	return errors.NewNotFoundError(errors.CodeChatNotFound, "message not found")
}

// Replace substitutes a provisional message with its persisted
// identity at the same position. The transcript length is unchanged.
// When the provisional id is no longer present the call is a no-op,
// which makes replacement idempotent.
func (s *Store) Replace(chatID, provisionalID string, final models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[chatID]
	if !ok {
		return false
	}
	for i := range st.messages {
		if st.messages[i].ID == provisionalID {
			st.messages[i] = final
			delete(st.unsynced, provisionalID)
			return true
		}
	}
	return false
}

// Remove drops a message from the transcript, used when a cancelled
// turn discards its placeholder.
func (s *Store) Remove(chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[chatID]
	if !ok {
		return
	}
	for i := range st.messages {
		if st.messages[i].ID == messageID {
			st.messages = append(st.messages[:i], st.messages[i+1:]...)
			delete(st.unsynced, messageID)
			return
		}
	}
}

// SetTitle updates the session title.
func (s *Store) SetTitle(chatID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[chatID]; ok {
		st.meta.Title = title
	}
}

// Title returns the current session title.
func (s *Store) Title(chatID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.sessions[chatID]; ok {
		return st.meta.Title
	}
	return ""
}

// Touch stamps the session's last-saved time.
func (s *Store) Touch(chatID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[chatID]; ok {
		st.meta.SavedAt = at
	}
}

// Delete removes the session and its transcript from memory.
func (s *Store) Delete(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
}

// MarkUnsynced flags a message whose persistence write failed.
func (s *Store) MarkUnsynced(chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[chatID]; ok {
		st.unsynced[messageID] = true
	}
}

// Unsynced returns the messages still awaiting a persistence retry, in
// transcript order.
func (s *Store) Unsynced(chatID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[chatID]
	if !ok || len(st.unsynced) == 0 {
		return nil
	}
	var out []models.Message
	for _, m := range st.messages {
		if st.unsynced[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// Dirty reports whether the session holds messages that storage has
// not yet accepted.
func (s *Store) Dirty(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.sessions[chatID]; ok {
		return len(st.unsynced) > 0
	}
	return false
}
