package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-delivery/internal/models"
)

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrMessageDeleted     = errors.New("message deleted")
	ErrNotSender          = errors.New("only the sender may change a message")
	ErrMessageNotRetrying = errors.New("message is not in failed state")
)

const messageColumns = `id, conversation_id, sender_id, content, attachment, timestamp, is_read,
        delivery_status, delivery_attempts, last_delivery_attempt, is_edited, edited_at, is_deleted, deleted_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateLocked(ctx context.Context, conversationID int64, senderID int64, content string, attachment *string, at time.Time) (models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	ListForConversation(ctx context.Context, conversationID int64, beforeID int64, limit int) ([]models.Message, error)
	MarkDelivered(ctx context.Context, messageID int64, at time.Time) (bool, error)
	ClaimPendingForRecipient(ctx context.Context, recipientID int64, limit int, at time.Time) ([]models.Message, error)
	RecordFailedAttempt(ctx context.Context, messageIDs []int64, at time.Time, maxAttempts int) (int64, error)
	Retry(ctx context.Context, messageID int64, senderID int64) (models.Message, error)
	MarkAllRead(ctx context.Context, conversationID int64, readerID int64) (int64, error)
	UpdateContent(ctx context.Context, messageID int64, senderID int64, content string, at time.Time) (models.Message, error)
	SoftDelete(ctx context.Context, messageID int64, senderID int64, at time.Time) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateLocked inserts a pending message while holding the conversation row lock.
// The lock makes the timestamp/updated_at pair of concurrent sends consistent:
// each insert sees the previous one and is stamped strictly after it.
func (r *MessageRepo) CreateLocked(ctx context.Context, conversationID int64, senderID int64, content string, attachment *string, at time.Time) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var lockedID int64
	if err := tx.GetContext(ctx, &lockedID, `SELECT id FROM conversations WHERE id=$1 FOR UPDATE`, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrConversationNotFound
		}
		return models.Message{}, err
	}

	var last sql.NullTime
	if err := tx.GetContext(ctx, &last, `SELECT MAX(timestamp) FROM messages WHERE conversation_id=$1`, conversationID); err != nil {
		return models.Message{}, err
	}
	ts := nextTimestamp(last, at)

	// The sender has implicitly read their own message; is_read tracks the recipients.
	var msg models.Message
	if err := tx.GetContext(ctx, &msg, `INSERT INTO messages (conversation_id, sender_id, content, attachment, timestamp, delivery_status)
        VALUES ($1, $2, $3, $4, $5, 'pending') RETURNING `+messageColumns, conversationID, senderID, content, attachment, ts); err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, conversationID, ts); err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// nextTimestamp returns at, or the first instant after last when the clock has not
// advanced past it. Postgres keeps microseconds.
func nextTimestamp(last sql.NullTime, at time.Time) time.Time {
	ts := at.UTC().Truncate(time.Microsecond)
	if last.Valid && !ts.After(last.Time) {
		ts = last.Time.UTC().Add(time.Microsecond)
	}
	return ts
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListForConversation returns up to limit messages older than beforeID (0 = newest),
// in insertion order.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID int64, beforeID int64, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM (
            SELECT ` + messageColumns + ` FROM messages
            WHERE conversation_id=$1 AND ($2 = 0 OR id < $2)
            ORDER BY timestamp DESC, id DESC
            LIMIT $3
        ) page ORDER BY timestamp ASC, id ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, conversationID, beforeID, limit)
	return msgs, err
}

// MarkDelivered moves a pending message to delivered and records the attempt.
// It reports false when the message was no longer pending.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET delivery_status='delivered', delivery_attempts=delivery_attempts+1, last_delivery_attempt=$2
        WHERE id=$1 AND delivery_status='pending'`, messageID, at)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// ClaimPendingForRecipient atomically moves up to limit pending messages addressed to
// the recipient to delivered and returns them oldest first. Rows locked by a
// concurrent claim are skipped, so each pending message is handed out once.
func (r *MessageRepo) ClaimPendingForRecipient(ctx context.Context, recipientID int64, limit int, at time.Time) ([]models.Message, error) {
	query := `UPDATE messages m
        SET delivery_status='delivered', delivery_attempts=m.delivery_attempts+1, last_delivery_attempt=$3
        WHERE m.id IN (
            SELECT m2.id FROM messages m2
            INNER JOIN conversation_participants p ON p.conversation_id = m2.conversation_id AND p.user_id = $1
            WHERE m2.delivery_status = 'pending' AND m2.sender_id <> $1 AND m2.is_deleted = FALSE
            ORDER BY m2.timestamp ASC, m2.id ASC
            LIMIT $2
            FOR UPDATE OF m2 SKIP LOCKED
        )
        RETURNING m.id, m.conversation_id, m.sender_id, m.content, m.attachment, m.timestamp, m.is_read,
            m.delivery_status, m.delivery_attempts, m.last_delivery_attempt, m.is_edited, m.edited_at, m.is_deleted, m.deleted_at`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, recipientID, limit, at); err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// RecordFailedAttempt returns claimed messages that could not be handed to a socket
// to pending, or to failed once maxAttempts is reached.
func (r *MessageRepo) RecordFailedAttempt(ctx context.Context, messageIDs []int64, at time.Time, maxAttempts int) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET delivery_status = CASE WHEN delivery_attempts >= $3 THEN 'failed' ELSE 'pending' END,
            last_delivery_attempt=$2
        WHERE id = ANY($1) AND delivery_status='delivered'`, pq.Array(messageIDs), at, maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Retry moves a failed message back to pending with a fresh attempt budget.
// Sender only.
func (r *MessageRepo) Retry(ctx context.Context, messageID int64, senderID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET delivery_status='pending', delivery_attempts=0
        WHERE id=$1 AND sender_id=$2 AND delivery_status='failed'
        RETURNING `+messageColumns, messageID, senderID)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, err
	}
	existing, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if existing.SenderID != senderID {
		return models.Message{}, ErrNotSender
	}
	return models.Message{}, ErrMessageNotRetrying
}

// MarkAllRead flips every unread message the reader did not send, in one statement.
// Failed messages keep their status; only the read flag changes for them.
func (r *MessageRepo) MarkAllRead(ctx context.Context, conversationID int64, readerID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET is_read = TRUE,
            delivery_status = CASE WHEN delivery_status = 'failed' THEN delivery_status ELSE 'read' END
        WHERE conversation_id=$1 AND is_read = FALSE AND sender_id <> $2`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateContent edits a message. Sender only; deleted messages cannot be edited.
func (r *MessageRepo) UpdateContent(ctx context.Context, messageID int64, senderID int64, content string, at time.Time) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET content=$3, is_edited=TRUE, edited_at=$4
        WHERE id=$1 AND sender_id=$2 AND is_deleted=FALSE
        RETURNING `+messageColumns, messageID, senderID, content, at)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, err
	}
	return models.Message{}, r.explainMiss(ctx, messageID, senderID)
}

// SoftDelete marks a message deleted, keeping its content. Repeated calls keep the
// first deleted_at.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID int64, senderID int64, at time.Time) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET is_deleted=TRUE, deleted_at=COALESCE(deleted_at, $3)
        WHERE id=$1 AND sender_id=$2
        RETURNING `+messageColumns, messageID, senderID, at)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, err
	}
	return models.Message{}, r.explainMiss(ctx, messageID, senderID)
}

func (r *MessageRepo) explainMiss(ctx context.Context, messageID int64, senderID int64) error {
	existing, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if existing.SenderID != senderID {
		return ErrNotSender
	}
	if existing.IsDeleted {
		return ErrMessageDeleted
	}
	return ErrMessageNotFound
}
