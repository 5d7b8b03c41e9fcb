package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short content", "Hello world", "Hello world"},
		{"whitespace only", "   \n\t ", DefaultTitle},
		{"empty", "", DefaultTitle},
		{"trimmed", "  padded  ", "padded"},
		{"truncated", "This message is far too long to be a session title", "This message is far too long t..."},
		{"exactly at limit", "123456789012345678901234567890", "123456789012345678901234567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTitle(tt.content, 30))
		})
	}
}

func TestProvisionalIDs(t *testing.T) {
	assert.True(t, IsProvisionalID(NewProvisionalMessageID()))
	assert.True(t, IsProvisionalID(NewPlaceholderID()))
	assert.False(t, IsProvisionalID(NewMessageID()))
	assert.False(t, IsProvisionalID(NewChatID()))
}

func TestNewMessageAssignsRoleBasedIdentity(t *testing.T) {
	user := NewMessage("chat-1", RoleUser, "hi")
	assistant := NewMessage("chat-1", RoleAssistant, "")

	assert.True(t, IsProvisionalID(user.ID))
	assert.True(t, IsProvisionalID(assistant.ID))
	assert.NotEqual(t, user.ID, assistant.ID)
	assert.False(t, user.CreatedAt.IsZero())
}
