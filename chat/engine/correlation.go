package engine

import (
	"ai-web-chat-demo/backend/pkg/cache"
)

// CorrelationStore maps chat sessions to the upstream provider's
// conversation ids so follow-up turns continue the same upstream
// conversation.
type CorrelationStore interface {
	Get(chatID string) (string, bool)
	Set(chatID, conversationID string)
	Clear(chatID string)
}

type cacheCorrelationStore struct {
	cache *cache.Cache
}

// NewCorrelationStore builds a correlation store backed by the
// in-process TTL cache. Entries expire with the cache's default
// expiration, which matches the anonymous transcript TTL.
func NewCorrelationStore(opts cache.Options) CorrelationStore {
	return &cacheCorrelationStore{cache: cache.NewCache(opts)}
}

func (s *cacheCorrelationStore) Get(chatID string) (string, bool) {
	v, ok := s.cache.Get(chatID)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func (s *cacheCorrelationStore) Set(chatID, conversationID string) {
	s.cache.Set(chatID, conversationID)
}

func (s *cacheCorrelationStore) Clear(chatID string) {
	s.cache.Delete(chatID)
}
