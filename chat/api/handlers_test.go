package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-web-chat-demo/backend/ai"
	"ai-web-chat-demo/backend/chat/engine"
	"ai-web-chat-demo/backend/chat/models"
	"ai-web-chat-demo/backend/chat/service"
	"ai-web-chat-demo/backend/chat/transcript"
	"ai-web-chat-demo/backend/pkg/errors"
	"ai-web-chat-demo/backend/pkg/logger"
	"ai-web-chat-demo/backend/pkg/middleware"
)

type stubStreamer struct{}

func (stubStreamer) StreamMessage(ctx context.Context, req ai.CompletionRequest, onChunk func(string)) (ai.CompletionResult, error) {
	if onChunk != nil {
		onChunk("stubbed reply")
	}
	return ai.CompletionResult{Message: "stubbed reply"}, nil
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string][]models.ChatSession
}

func (m *memoryStore) SaveSession(ctx context.Context, ownerID string, session *models.ChatSession) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *session
	stored.OwnerID = ownerID
	m.sessions[ownerID] = append(m.sessions[ownerID], stored)
	return &stored, nil
}

func (m *memoryStore) SaveMessage(ctx context.Context, ownerID, chatID string, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *msg
	if models.IsProvisionalID(stored.ID) || stored.ID == "" {
		stored.ID = models.NewMessageID()
	}
	for i := range m.sessions[ownerID] {
		if m.sessions[ownerID][i].ID == chatID {
			m.sessions[ownerID][i].Messages = append(m.sessions[ownerID][i].Messages, stored)
			return &stored, nil
		}
	}
	m.sessions[ownerID] = append(m.sessions[ownerID], models.ChatSession{
		ID:        chatID,
		OwnerID:   ownerID,
		Title:     models.DefaultTitle,
		CreatedAt: time.Now().UTC(),
		Messages:  []models.Message{stored},
	})
	return &stored, nil
}

func (m *memoryStore) LoadSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ChatSession, len(m.sessions[ownerID]))
	copy(out, m.sessions[ownerID])
	return out, nil
}

func (m *memoryStore) DeleteSession(ctx context.Context, ownerID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.sessions[ownerID][:0]
	for _, s := range m.sessions[ownerID] {
		if s.ID != chatID {
			kept = append(kept, s)
		}
	}
	m.sessions[ownerID] = kept
	return nil
}

func (m *memoryStore) UpdateTitle(ctx context.Context, ownerID, chatID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions[ownerID] {
		if m.sessions[ownerID][i].ID == chatID {
			m.sessions[ownerID][i].Title = title
		}
	}
	return nil
}

type mapCorrelation struct {
	mu sync.Mutex
	m  map[string]string
}

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

func newTestRouter(t *testing.T, quota engine.QuotaPolicy) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.New(logger.DefaultConfig())
	transcripts := transcript.NewStore()
	store := &memoryStore{sessions: make(map[string][]models.ChatSession)}
	correlation := &mapCorrelation{m: make(map[string]string)}

	eng := engine.New(engine.Config{
		Mode:        "anonymous",
		Transcripts: transcripts,
		Streamer:    stubStreamer{},
		Store:       store,
		Quota:       quota,
		Correlation: correlation,
		Logger:      log,
	})
	svc := service.NewChatService(eng, transcripts, store, correlation, log)

	r := gin.New()
	r.Use(errors.ErrorHandler())
	group := r.Group("/api/v1/anonymous")
	group.Use(middleware.DeviceAuthMiddleware())
	NewChatHandlers(svc, log).RegisterRoutes(group)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, device string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if device != "" {
		req.Header.Set("X-Device-ID", device)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateChatEndpoint(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{})

	w := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)

	require.Equal(t, http.StatusCreated, w.Code)
	var session models.ChatSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, models.DefaultTitle, session.Title)
}

func TestCreateChatRequiresDeviceHeader(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{})

	w := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateChatLimitExceeded(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{MaxChatsPerOwner: 1})

	first := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)
	require.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), errors.CodeChatLimitExceeded)
}

func TestSendMessageEndpointReturnsSettledTranscript(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{})

	created := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)
	require.Equal(t, http.StatusCreated, created.Code)
	var session models.ChatSession
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &session))

	w := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats/"+session.ID+"/messages", "dev-1", gin.H{"content": "hello there"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ChatID   string           `json:"chat_id"`
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "hello there", resp.Messages[0].Content)
	assert.Equal(t, "stubbed reply", resp.Messages[1].Content)
}

func TestSendMessageRejectsMissingContent(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{})

	created := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)
	var session models.ChatSession
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &session))

	w := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats/"+session.ID+"/messages", "dev-1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteChatEndpointReturnsSuccessor(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{})

	first := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)
	var a models.ChatSession
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))

	second := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)
	var b models.ChatSession
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))

	w := doJSON(t, r, http.MethodDelete, "/api/v1/anonymous/chats/"+b.ID+"?current="+b.ID, "dev-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result service.DeleteResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, service.OutcomeSwitched, result.Outcome)
	assert.Equal(t, a.ID, result.NextChatID)
}

func TestStatusEndpoint(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{MaxMessagesPerSession: 10})

	created := doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)
	var session models.ChatSession
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &session))

	w := doJSON(t, r, http.MethodGet, "/api/v1/anonymous/chats/"+session.ID+"/status", "dev-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status service.ChatStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.CanSend)
	assert.Equal(t, 10, status.MaxMessages)
	assert.Equal(t, "idle", status.TurnState)
}

func TestListChatsIsolatedByDevice(t *testing.T) {
	r := newTestRouter(t, engine.QuotaPolicy{})

	doJSON(t, r, http.MethodPost, "/api/v1/anonymous/chats", "dev-1", nil)

	w := doJSON(t, r, http.MethodGet, "/api/v1/anonymous/chats", "dev-2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Chats []models.ChatSession `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Chats)
}
