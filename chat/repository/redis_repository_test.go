package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-web-chat-demo/backend/chat/models"
)

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryKV() *memoryKV { return &memoryKV{data: make(map[string]string)} }

func (m *memoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	return nil
}

func (m *memoryKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func newTestStore() (*RedisSessionStore, *memoryKV) {
	kv := newMemoryKV()
	return NewRedisSessionStore(kv, "anonymous-chats", 24*time.Hour), kv
}

func TestRedisStoreSaveAndLoadSessions(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	older := models.ChatSession{ID: "s1", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	newer := models.ChatSession{ID: "s2", CreatedAt: time.Now().UTC()}

	_, err := store.SaveSession(ctx, "dev-1", &older)
	require.NoError(t, err)
	_, err = store.SaveSession(ctx, "dev-1", &newer)
	require.NoError(t, err)

	sessions, err := store.LoadSessions(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].ID)
	assert.Equal(t, "s1", sessions[1].ID)
	assert.False(t, sessions[0].SavedAt.IsZero())
}

func TestRedisStoreSaveMessageCreatesUnknownSession(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	msg := models.NewMessage("brand-new", models.RoleUser, "hello")
	stored, err := store.SaveMessage(ctx, "dev-1", "brand-new", &msg)
	require.NoError(t, err)
	assert.False(t, models.IsProvisionalID(stored.ID))

	sessions, err := store.LoadSessions(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "brand-new", sessions[0].ID)
	assert.Equal(t, models.DefaultTitle, sessions[0].Title)
	require.Len(t, sessions[0].Messages, 1)
	assert.Equal(t, "hello", sessions[0].Messages[0].Content)
}

func TestRedisStoreMessagesKeepInsertionOrder(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		msg := models.NewMessage("s1", models.RoleUser, content)
		_, err := store.SaveMessage(ctx, "dev-1", "s1", &msg)
		require.NoError(t, err)
	}

	sessions, err := store.LoadSessions(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Messages, 3)
	assert.Equal(t, "one", sessions[0].Messages[0].Content)
	assert.Equal(t, "three", sessions[0].Messages[2].Content)
}

func TestRedisStoreOwnersAreIsolated(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	msg := models.NewMessage("s1", models.RoleUser, "mine")
	_, err := store.SaveMessage(ctx, "dev-1", "s1", &msg)
	require.NoError(t, err)

	other, err := store.LoadSessions(ctx, "dev-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRedisStoreDeleteSession(t *testing.T) {
	store, kv := newTestStore()
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		msg := models.NewMessage(id, models.RoleUser, "x")
		_, err := store.SaveMessage(ctx, "dev-1", id, &msg)
		require.NoError(t, err)
	}

	require.NoError(t, store.DeleteSession(ctx, "dev-1", "s1"))

	sessions, err := store.LoadSessions(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s2", sessions[0].ID)

	// Deleting the last session removes the device key entirely.
	require.NoError(t, store.DeleteSession(ctx, "dev-1", "s2"))
	raw, _ := kv.Get(ctx, "anonymous-chats:dev-1")
	assert.Empty(t, raw)
}

func TestRedisStoreDeleteUnknownSessionIsNoError(t *testing.T) {
	store, _ := newTestStore()
	assert.NoError(t, store.DeleteSession(context.Background(), "dev-1", "ghost"))
}

func TestRedisStoreUpdateTitle(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	msg := models.NewMessage("s1", models.RoleUser, "hi")
	_, err := store.SaveMessage(ctx, "dev-1", "s1", &msg)
	require.NoError(t, err)

	require.NoError(t, store.UpdateTitle(ctx, "dev-1", "s1", "Renamed"))

	sessions, err := store.LoadSessions(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Renamed", sessions[0].Title)
	// Messages survive the metadata rewrite.
	assert.Len(t, sessions[0].Messages, 1)
}

func TestRedisStoreCorruptPayloadResets(t *testing.T) {
	store, kv := newTestStore()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "anonymous-chats:dev-1", "{broken", 0))

	sessions, err := store.LoadSessions(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
