// Package api binds the chat service to HTTP. The same handler set is
// mounted twice: once behind JWT auth for signed-in users and once
// behind device identification for anonymous visitors.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ai-web-chat-demo/backend/chat/service"
	"ai-web-chat-demo/backend/pkg/errors"
	"ai-web-chat-demo/backend/pkg/logger"
)

type ChatHandlers struct {
	service *service.ChatService
	log     *logger.Logger
}

func NewChatHandlers(svc *service.ChatService, log *logger.Logger) *ChatHandlers {
	return &ChatHandlers{service: svc, log: log}
}

// RegisterRoutes mounts the chat endpoints on the given group. The
// group is expected to carry an auth middleware that sets the owner id.
func (h *ChatHandlers) RegisterRoutes(rg *gin.RouterGroup) {
	chats := rg.Group("/chats")
	{
		chats.POST("", h.CreateChat)
		chats.GET("", h.ListChats)
		chats.GET("/:id", h.GetChat)
		chats.DELETE("/:id", h.DeleteChat)
		chats.POST("/:id/messages", h.SendMessage)
		chats.GET("/:id/messages", h.ListMessages)
		chats.POST("/:id/cancel", h.CancelTurn)
		chats.GET("/:id/status", h.Status)
	}
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func ownerID(c *gin.Context) (string, bool) {
	id := c.GetString("ownerId")
	return id, id != ""
}

func (h *ChatHandlers) owner(c *gin.Context) (string, bool) {
	id, ok := ownerID(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("MISSING_IDENTITY", "request carries no owner identity"))
	}
	return id, ok
}

func (h *ChatHandlers) CreateChat(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	session, err := h.service.CreateChat(c.Request.Context(), owner)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *ChatHandlers) ListChats(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	sessions, err := h.service.Chats(c.Request.Context(), owner)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": sessions})
}

func (h *ChatHandlers) GetChat(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	session, err := h.service.Chat(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *ChatHandlers) DeleteChat(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	result, err := h.service.DeleteChat(c.Request.Context(), owner, c.Param("id"), c.Query("current"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SendMessage runs the full turn before responding, so the reply body
// already holds the settled transcript. Live progress flows over the
// websocket subscription instead.
func (h *ChatHandlers) SendMessage(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewBadRequestError(errors.CodeEmptyMessage, "message content is required"))
		return
	}

	chatID := c.Param("id")
	if err := h.service.SendMessage(c.Request.Context(), owner, chatID, req.Content); err != nil {
		c.Error(err)
		return
	}

	messages, err := h.service.Messages(c.Request.Context(), owner, chatID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":  chatID,
		"messages": messages,
	})
}

func (h *ChatHandlers) ListMessages(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	messages, err := h.service.Messages(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *ChatHandlers) CancelTurn(c *gin.Context) {
	if _, ok := h.owner(c); !ok {
		return
	}
	cancelled := h.service.CancelTurn(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *ChatHandlers) Status(c *gin.Context) {
	if _, ok := h.owner(c); !ok {
		return
	}
	c.JSON(http.StatusOK, h.service.Status(c.Param("id")))
}
