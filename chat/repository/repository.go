// Package repository provides the persistence adapters behind the chat
// service: a Postgres-backed store for authenticated users and a
// Redis-backed store for anonymous devices. Both expose the same
// contract so the rest of the system never branches on the mode.
package repository

import (
	"context"

	"ai-web-chat-demo/backend/chat/models"
)

// SessionStore is the persistence contract shared by both adapters.
// Implementations must tolerate session ids they have never seen:
// saving a message into an unknown session creates the session record.
type SessionStore interface {
	// SaveSession persists session metadata and returns the stored copy.
	SaveSession(ctx context.Context, ownerID string, session *models.ChatSession) (*models.ChatSession, error)

	// SaveMessage appends a message to a session and returns the stored
	// copy carrying its durable identity.
	SaveMessage(ctx context.Context, ownerID, chatID string, msg *models.Message) (*models.Message, error)

	// LoadSessions returns every session for the owner, newest session
	// first, each with its messages in chronological order.
	LoadSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error)

	// DeleteSession removes a session and its messages. Deleting a
	// session the owner does not hold is not an error.
	DeleteSession(ctx context.Context, ownerID, chatID string) error

	// UpdateTitle renames a session.
	UpdateTitle(ctx context.Context, ownerID, chatID, title string) error
}
