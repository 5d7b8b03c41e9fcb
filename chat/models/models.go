package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles. Every transcript entry carries exactly one of these.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultTitle is the title a session carries until its first user
// message supplies a better one.
const DefaultTitle = "New Chat"

// provisionalPrefix marks identifiers minted in memory before the
// persistence layer has assigned a durable one.
const provisionalPrefix = "temp-"

// Message represents a single transcript entry within a chat session.
type Message struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	ChatID    string    `json:"chat_id" gorm:"index;not null"`
	Role      string    `json:"role" gorm:"not null"`
	Content   string    `json:"content" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSession represents one conversation thread owned by a user or an
// anonymous device.
type ChatSession struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	OwnerID   string    `json:"owner_id" gorm:"index;not null"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	SavedAt   time.Time `json:"saved_at,omitempty"`
	Messages  []Message `json:"messages" gorm:"foreignKey:ChatID;references:ID;constraint:OnDelete:CASCADE"`
}

// NewChatID mints a durable session identifier.
func NewChatID() string {
	return uuid.New().String()
}

// NewMessageID mints a durable message identifier.
func NewMessageID() string {
	return uuid.New().String()
}

// NewProvisionalMessageID mints a temporary identifier for a user
// message that has not been persisted yet.
func NewProvisionalMessageID() string {
	return provisionalPrefix + "msg-" + uuid.New().String()
}

// NewPlaceholderID mints a temporary identifier for the assistant
// placeholder inserted while a response is streaming.
func NewPlaceholderID() string {
	return provisionalPrefix + "assistant-" + uuid.New().String()
}

// IsProvisionalID reports whether id was minted in memory and still
// awaits substitution with a persisted identity.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// DeriveTitle produces a session title from the first user message.
// Whitespace-only content falls back to the default title, and long
// content is truncated with an ellipsis suffix.
func DeriveTitle(content string, maxLen int) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return DefaultTitle
	}
	runes := []rune(trimmed)
	if maxLen > 0 && len(runes) > maxLen {
		return string(runes[:maxLen]) + "..."
	}
	return trimmed
}

// NewMessage builds an in-memory message with a provisional identity
// and a creation timestamp assigned exactly once.
func NewMessage(chatID, role, content string) Message {
	id := NewProvisionalMessageID()
	if role == RoleAssistant {
		id = NewPlaceholderID()
	}
	return Message{
		ID:        id,
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
