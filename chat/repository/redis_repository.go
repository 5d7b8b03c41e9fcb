package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"ai-web-chat-demo/backend/chat/models"
	sharedredis "ai-web-chat-demo/backend/shared/redis"
)

// KV is the minimal key-value surface the anonymous store needs. The
// shared Redis client satisfies it; tests substitute an in-memory map.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, key string) error
}

var _ KV = (*sharedredis.Client)(nil)

// RedisSessionStore keeps every session of an anonymous device under a
// single namespaced key, serialized as one JSON array. Each mutation
// reads the whole collection, rewrites it and stores it back with a
// fresh saved-at stamp.
type RedisSessionStore struct {
	kv        KV
	namespace string
	ttl       time.Duration

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

func NewRedisSessionStore(kv KV, namespace string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{kv: kv, namespace: namespace, ttl: ttl}
}

func (r *RedisSessionStore) key(ownerID string) string {
	return fmt.Sprintf("%s:%s", r.namespace, ownerID)
}

func (r *RedisSessionStore) load(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	raw, err := r.kv.Get(ctx, r.key(ownerID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var sessions []models.ChatSession
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		// A corrupt collection is unrecoverable; start over rather
		// than fail every subsequent call.
		return nil, nil
	}
	return sessions, nil
}

func (r *RedisSessionStore) store(ctx context.Context, ownerID string, sessions []models.ChatSession) error {
	if len(sessions) == 0 {
		return r.kv.Del(ctx, r.key(ownerID))
	}
	raw, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, r.key(ownerID), string(raw), r.ttl)
}

// upsert replaces the session with the same id, or appends it, then
// writes the collection back.
func (r *RedisSessionStore) upsert(ctx context.Context, ownerID string, session models.ChatSession) error {
	sessions, err := r.load(ctx, ownerID)
	if err != nil {
		return err
	}
	session.SavedAt = time.Now().UTC()
	kept := sessions[:0]
	for _, s := range sessions {
		if s.ID != session.ID {
			kept = append(kept, s)
		}
	}
	kept = append(kept, session)
	return r.store(ctx, ownerID, kept)
}

func (r *RedisSessionStore) find(sessions []models.ChatSession, chatID string) (models.ChatSession, bool) {
	for _, s := range sessions {
		if s.ID == chatID {
			return s, true
		}
	}
	return models.ChatSession{}, false
}

func (r *RedisSessionStore) SaveSession(ctx context.Context, ownerID string, session *models.ChatSession) (*models.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *session
	stored.OwnerID = ownerID
	if stored.ID == "" {
		stored.ID = models.NewChatID()
	}
	if stored.Title == "" {
		stored.Title = models.DefaultTitle
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	// Keep messages already stored when only metadata changes.
	existing, err := r.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if prev, ok := r.find(existing, stored.ID); ok && stored.Messages == nil {
		stored.Messages = prev.Messages
	}

	if err := r.upsert(ctx, ownerID, stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *RedisSessionStore) SaveMessage(ctx context.Context, ownerID, chatID string, msg *models.Message) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *msg
	stored.ChatID = chatID
	if stored.ID == "" || models.IsProvisionalID(stored.ID) {
		stored.ID = models.NewMessageID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	sessions, err := r.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	session, ok := r.find(sessions, chatID)
	if !ok {
		session = models.ChatSession{
			ID:        chatID,
			OwnerID:   ownerID,
			Title:     models.DefaultTitle,
			CreatedAt: time.Now().UTC(),
		}
	}
	session.Messages = append(session.Messages, stored)

	if err := r.upsert(ctx, ownerID, session); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *RedisSessionStore) LoadSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := r.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	// Newest session first, messages stay in insertion order.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (r *RedisSessionStore) DeleteSession(ctx context.Context, ownerID, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := r.load(ctx, ownerID)
	if err != nil {
		return err
	}
	kept := sessions[:0]
	for _, s := range sessions {
		if s.ID != chatID {
			kept = append(kept, s)
		}
	}
	return r.store(ctx, ownerID, kept)
}

func (r *RedisSessionStore) UpdateTitle(ctx context.Context, ownerID, chatID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := r.load(ctx, ownerID)
	if err != nil {
		return err
	}
	session, ok := r.find(sessions, chatID)
	if !ok {
		return nil
	}
	session.Title = title
	return r.upsert(ctx, ownerID, session)
}
