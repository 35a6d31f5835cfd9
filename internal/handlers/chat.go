package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-delivery/internal/models"
	"chat-delivery/internal/telemetry"
)

const (
	defaultPageSize = 50
	minPageSize     = 10
	maxPageSize     = 100
)

// ChatService is the delivery pipeline as seen by the REST surface.
type ChatService interface {
	ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	StartConversation(ctx context.Context, userID, otherID int64) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID, userID, beforeID int64, limit int) ([]models.Message, error)
	MarkAllRead(ctx context.Context, conversationID, readerID int64) (int64, error)
	SendAttachment(ctx context.Context, conversationID, senderID int64, content, attachment string) (models.Message, error)
	Edit(ctx context.Context, messageID, editorID int64, content string) (models.Message, error)
	Delete(ctx context.Context, messageID, requesterID int64) (models.Message, error)
	Retry(ctx context.Context, messageID, senderID int64) (models.Message, error)
}

// ChatHandler manages conversation and message endpoints.
type ChatHandler struct {
	chats  ChatService
	audit  *telemetry.AuditEmitter
	logger *zap.Logger
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(chats ChatService, audit *telemetry.AuditEmitter, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{chats: chats, audit: audit, logger: logger}
}

// ListConversations returns the caller's conversations, most recently active first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	conversations, err := h.chats.ListConversations(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// StartConversation gets or creates the direct conversation with another user.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversation, err := h.chats.StartConversation(c.Request.Context(), userID(c), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

// ListMessages returns a page of history, oldest first. before_id pages backwards.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	beforeID, err := queryInt64(c, "before_id", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_id"})
		return
	}
	limit, err := queryInt64(c, "limit", defaultPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	msgs, err := h.chats.ListMessages(c.Request.Context(), conversationID, userID(c), beforeID, clampPage(int(limit)))
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkRead marks every message of the conversation the caller did not send as read.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	count, err := h.chats.MarkAllRead(c.Request.Context(), conversationID, userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_read": count})
}

// UploadAttachment stores a file message. The client announces it over its
// socket with file_message_sent once the upload is confirmed.
func (h *ChatHandler) UploadAttachment(c *gin.Context) {
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content    string `json:"content" binding:"max=4000"`
		Attachment string `json:"attachment" binding:"required,max=1024"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.chats.SendAttachment(c.Request.Context(), conversationID, userID(c), req.Content, req.Attachment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// EditMessage replaces the content of the caller's message.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required,max=4000"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.chats.Edit(c.Request.Context(), messageID, userID(c), req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage soft deletes the caller's message for everyone.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.chats.Delete(c.Request.Context(), messageID, userID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryMessage moves the caller's failed message back to pending.
func (h *ChatHandler) RetryMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msg, err := h.chats.Retry(c.Request.Context(), messageID, userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *ChatHandler) fail(c *gin.Context, err error) {
	status, text := statusFor(err)
	switch status {
	case http.StatusForbidden:
		h.audit.Emit(c.Request.Context(), telemetry.LevelWarn,
			"forbidden "+c.Request.Method+" "+c.FullPath(), requestIDFromContext(c), userID(c))
	case http.StatusInternalServerError:
		h.logger.Error("chat request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": text})
}

func clampPage(limit int) int {
	return min(max(limit, minPageSize), maxPageSize)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
