package repositories

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-delivery/internal/models"
)

var ErrNotificationNotFound = errors.New("notification not found")

const notificationColumns = `id, recipient_id, sender_id, type, text, is_read, created_at, post_ref, comment_ref`

// NotificationRepository defines notification persistence.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n models.Notification) (models.Notification, error)
	ListForRecipient(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error)
	CountUnread(ctx context.Context, recipientID int64) (int64, error)
	MarkRead(ctx context.Context, notificationID int64, recipientID int64) error
	MarkAllRead(ctx context.Context, recipientID int64) (int64, error)
}

// NotificationRepo is a sqlx-backed implementation.
type NotificationRepo struct {
	db *sqlx.DB
}

// NewNotificationRepo constructs a NotificationRepo.
func NewNotificationRepo(db *sqlx.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// CreateNotification persists a notification.
func (r *NotificationRepo) CreateNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	var created models.Notification
	err := r.db.GetContext(ctx, &created, `INSERT INTO notifications (recipient_id, sender_id, type, text, created_at, post_ref, comment_ref)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+notificationColumns,
		n.RecipientID, n.SenderID, n.Type, n.Text, n.CreatedAt, n.PostRef, n.CommentRef)
	return created, err
}

// ListForRecipient returns the newest notifications first.
func (r *NotificationRepo) ListForRecipient(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error) {
	var list []models.Notification
	err := r.db.SelectContext(ctx, &list, `SELECT `+notificationColumns+` FROM notifications
        WHERE recipient_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, recipientID, limit)
	return list, err
}

// CountUnread counts unread notifications.
func (r *NotificationRepo) CountUnread(ctx context.Context, recipientID int64) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM notifications WHERE recipient_id=$1 AND is_read = FALSE`, recipientID)
	return count, err
}

// MarkRead marks one notification read if it belongs to the recipient.
// Marking an already-read notification succeeds.
func (r *NotificationRepo) MarkRead(ctx context.Context, notificationID int64, recipientID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id=$1 AND recipient_id=$2`, notificationID, recipientID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification of the recipient read.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE recipient_id=$1 AND is_read = FALSE`, recipientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
