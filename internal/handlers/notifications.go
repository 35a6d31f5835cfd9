package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-delivery/internal/models"
	"chat-delivery/internal/notifications"
)

// NotificationService is the notification fan-out as seen by the REST surface.
type NotificationService interface {
	Notify(ctx context.Context, req notifications.NotifyRequest) (models.Notification, error)
	List(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkRead(ctx context.Context, notificationID, recipientID int64) (int64, error)
	MarkAllRead(ctx context.Context, recipientID int64) (int64, error)
}

// NotificationHandler serves the notification endpoints.
type NotificationHandler struct {
	service NotificationService
	logger  *zap.Logger
}

func NewNotificationHandler(service NotificationService, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{service: service, logger: logger}
}

func (h *NotificationHandler) List(c *gin.Context) {
	limit, err := queryInt64(c, "limit", notifications.DefaultListLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	list, err := h.service.List(c.Request.Context(), userID(c), int(limit))
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	count, err := h.service.UnreadCount(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	count, err := h.service.MarkRead(c.Request.Context(), id, userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification marked as read", "unread_count": count})
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.service.MarkAllRead(ctx, userID(c)); err != nil {
		h.fail(c, err)
		return
	}
	count, err := h.service.UnreadCount(ctx, userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "All notifications marked as read", "unread_count": count})
}

// Enqueue records a notification raised by another part of the platform. The
// caller is the actor the notification is from.
func (h *NotificationHandler) Enqueue(c *gin.Context) {
	var req struct {
		RecipientID int64                   `json:"recipient_id" binding:"required,gt=0"`
		Type        models.NotificationType `json:"type" binding:"required"`
		Text        string                  `json:"text" binding:"max=500"`
		PostRef     *int64                  `json:"post_ref"`
		CommentRef  *int64                  `json:"comment_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.service.Notify(c.Request.Context(), notifications.NotifyRequest{
		RecipientID: req.RecipientID,
		SenderID:    userID(c),
		Type:        req.Type,
		Text:        req.Text,
		PostRef:     req.PostRef,
		CommentRef:  req.CommentRef,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"notification": created})
}

func (h *NotificationHandler) fail(c *gin.Context, err error) {
	status, text := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("notification request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": text})
}
