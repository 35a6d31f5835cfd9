// Package notifications stores activity notifications and pushes them to the
// recipient's sessions together with a cached unread counter.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chat-delivery/internal/broadcast"
	"chat-delivery/internal/cache"
	"chat-delivery/internal/models"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/protocol"
	"chat-delivery/internal/repositories"
)

const (
	DefaultUnreadTTL = 30 * time.Second
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var (
	ErrValidation       = errors.New("invalid notification")
	ErrNotFound         = errors.New("notification not found")
	ErrSelfNotification = errors.New("notification addressed to its sender")
)

// NotifyRequest describes a domain event to notify a user about.
type NotifyRequest struct {
	RecipientID int64                   `json:"recipient_id"`
	SenderID    int64                   `json:"sender_id"`
	Type        models.NotificationType `json:"type"`
	Text        string                  `json:"text"`
	PostRef     *int64                  `json:"post_ref,omitempty"`
	CommentRef  *int64                  `json:"comment_ref,omitempty"`
}

// Config wires a Service.
type Config struct {
	Repository repositories.NotificationRepository
	Cache      cache.Store
	Router     broadcast.Router
	UnreadTTL  time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service fans notifications out to recipients.
type Service struct {
	repo      repositories.NotificationRepository
	cache     cache.Store
	router    broadcast.Router
	unreadTTL time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil || cfg.Cache == nil || cfg.Router == nil {
		return nil, errors.New("notifications: repository, cache and router are required")
	}
	s := &Service{
		repo:      cfg.Repository,
		cache:     cfg.Cache,
		router:    cfg.Router,
		unreadTTL: cfg.UnreadTTL,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if s.unreadTTL <= 0 {
		s.unreadTTL = DefaultUnreadTTL
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

func unreadKey(userID int64) string {
	return "unread_count:" + strconv.FormatInt(userID, 10)
}

// Notify persists a notification and pushes it, followed by the new unread
// count, to the recipient. Notifying yourself returns ErrSelfNotification.
func (s *Service) Notify(ctx context.Context, req NotifyRequest) (models.Notification, error) {
	if req.RecipientID <= 0 || req.SenderID <= 0 || !req.Type.Valid() {
		return models.Notification{}, ErrValidation
	}
	if req.RecipientID == req.SenderID {
		return models.Notification{}, ErrSelfNotification
	}

	created, err := s.repo.CreateNotification(ctx, models.Notification{
		RecipientID: req.RecipientID,
		SenderID:    req.SenderID,
		Type:        req.Type,
		Text:        strings.TrimSpace(req.Text),
		CreatedAt:   s.clock().UTC(),
		PostRef:     req.PostRef,
		CommentRef:  req.CommentRef,
	})
	if err != nil {
		return models.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	observability.IncNotification(string(created.Type))
	s.invalidate(ctx, req.RecipientID)

	group := broadcast.UserGroup(req.RecipientID)
	s.publish(ctx, group, protocol.NotificationEvent{Notification: created})
	s.pushUnreadCount(ctx, req.RecipientID)
	return created, nil
}

// UnreadCount returns the recipient's unread count, served from cache when fresh.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	key := unreadKey(userID)
	count, err := s.cache.Get(ctx, key)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("unread count cache read failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	count, err = s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	if err := s.cache.Set(ctx, key, count, s.unreadTTL); err != nil {
		s.logger.Warn("unread count cache write failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	return count, nil
}

// MarkRead marks one of the recipient's notifications read and returns the
// new unread count. Notifications of other users are reported as ErrNotFound.
func (s *Service) MarkRead(ctx context.Context, notificationID, recipientID int64) (int64, error) {
	if err := s.repo.MarkRead(ctx, notificationID, recipientID); err != nil {
		if errors.Is(err, repositories.ErrNotificationNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("mark notification read: %w", err)
	}
	s.invalidate(ctx, recipientID)
	return s.pushUnreadCount(ctx, recipientID), nil
}

// MarkAllRead marks every notification of the recipient read and returns how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	updated, err := s.repo.MarkAllRead(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	s.invalidate(ctx, recipientID)
	s.pushUnreadCount(ctx, recipientID)
	return updated, nil
}

// List returns the newest notifications of the recipient.
func (s *Service) List(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	list, err := s.repo.ListForRecipient(ctx, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return list, nil
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if err := s.cache.Delete(ctx, unreadKey(userID)); err != nil {
		s.logger.Warn("unread count invalidation failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// pushUnreadCount recomputes the counter and publishes it to the user's group.
func (s *Service) pushUnreadCount(ctx context.Context, userID int64) int64 {
	count, err := s.UnreadCount(ctx, userID)
	if err != nil {
		s.logger.Error("unread count unavailable", zap.Int64("user_id", userID), zap.Error(err))
		return 0
	}
	s.publish(ctx, broadcast.UserGroup(userID), protocol.UnreadCount{Count: count})
	return count
}

func (s *Service) publish(ctx context.Context, group string, frame protocol.Outbound) {
	if err := s.router.Publish(ctx, group, frame); err != nil {
		s.logger.Error("publish frame", zap.String("group", group), zap.String("type", string(frame.FrameType())), zap.Error(err))
	}
}
