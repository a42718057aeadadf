package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andkhong/Takehome-SWE/db"
	"github.com/andkhong/Takehome-SWE/services"
)

// ChatHandler exposes conversation CRUD and the streaming send endpoint.
type ChatHandler struct {
	store  services.Store
	chat   *services.ChatService
	logger *zap.SugaredLogger
}

func NewChatHandler(store services.Store, chat *services.ChatService, logger *zap.SugaredLogger) *ChatHandler {
	return &ChatHandler{store: store, chat: chat, logger: logger}
}

func (h *ChatHandler) RegisterRoutes(router *gin.Engine) {
	chats := router.Group("/chats")
	chats.GET("", h.handleListChats)
	chats.POST("", h.handleCreateChat)
	chats.GET("/:id", h.handleGetChat)
	chats.PATCH("/:id", h.handleRenameChat)
	chats.DELETE("/:id", h.handleDeleteChat)
	chats.GET("/:id/messages", h.handleListMessages)
	chats.POST("/:id/messages", h.handleSendMessage)
}

type createChatRequest struct {
	Title string `json:"title"`
}

type renameChatRequest struct {
	Title string `json:"title" binding:"required"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type chunkPayload struct {
	Content string `json:"content"`
}

type donePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (h *ChatHandler) handleListChats(c *gin.Context) {
	conversations, err := h.store.ListConversations(c.Request.Context())
	if err != nil {
		h.logger.Errorf("list conversations: %v", err)
		writeError(c, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	c.JSON(http.StatusOK, conversations)
}

func (h *ChatHandler) handleCreateChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		writeError(c, http.StatusBadRequest, "invalid payload")
		return
	}

	conv, err := h.store.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		h.logger.Errorf("create conversation: %v", err)
		writeError(c, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": conv.ID})
}

func (h *ChatHandler) handleGetChat(c *gin.Context) {
	conv, err := h.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Errorf("get conversation: %v", err)
		writeError(c, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	c.JSON(http.StatusOK, conv)
}

func (h *ChatHandler) handleRenameChat(c *gin.Context) {
	var req renameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "title is required")
		return
	}

	id := c.Param("id")
	if err := h.store.RenameConversation(c.Request.Context(), id, req.Title); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Errorf("rename conversation: %v", err)
		writeError(c, http.StatusInternalServerError, "failed to rename conversation")
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *ChatHandler) handleDeleteChat(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeleteConversation(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Errorf("delete conversation: %v", err)
		writeError(c, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *ChatHandler) handleListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.store.GetConversation(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Errorf("get conversation: %v", err)
		writeError(c, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	messages, err := h.store.ListMessages(ctx, id)
	if err != nil {
		h.logger.Errorf("list messages: %v", err)
		writeError(c, http.StatusInternalServerError, "failed to list messages")
		return
	}

	c.JSON(http.StatusOK, messages)
}

// handleSendMessage answers plain JSON for anything that fails before
// the setup transaction commits; once SendMessage hands back a live
// channel the response becomes an SSE stream and every outcome,
// including generation failure, is a stream event.
func (h *ChatHandler) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload")
		return
	}

	events, err := h.chat.SendMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrValidation):
			writeError(c, http.StatusBadRequest, "message content must be non-empty and at most 10000 characters")
		case errors.Is(err, services.ErrNotFound):
			writeError(c, http.StatusNotFound, "conversation not found")
		default:
			h.logger.Errorf("send message: %v", err)
			writeError(c, http.StatusInternalServerError, "failed to send message")
		}
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for event := range events {
		switch event.Type {
		case services.StreamEventChunk:
			c.SSEvent("chunk", chunkPayload{Content: event.Content})
		case services.StreamEventDone:
			c.SSEvent("done", donePayload{MessageID: event.MessageID, Content: event.Content})
		case services.StreamEventError:
			c.SSEvent("error", errorPayload{Error: event.ErrorMessage})
		}
		c.Writer.Flush()
	}
	// Channel closed: the terminal event is out (or the client is gone);
	// the connection ends here either way.
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
