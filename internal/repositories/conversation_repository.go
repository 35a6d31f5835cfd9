package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-delivery/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	GetOrCreateDirect(ctx context.Context, userID int64, otherID int64) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error)
	ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
	ConversationIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	ListForUser(ctx context.Context, userID int64) ([]models.Conversation, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// GetOrCreateDirect returns the two-party conversation between the users,
// creating it on first contact.
func (r *ConversationRepo) GetOrCreateDirect(ctx context.Context, userID int64, otherID int64) (models.Conversation, error) {
	if userID == otherID {
		return models.Conversation{}, ErrSelfConversation
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer tx.Rollback()

	// Serialize creation for the pair so two first messages cannot create two threads.
	low, high := userID, otherID
	if low > high {
		low, high = high, low
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, int32(low), int32(high)); err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation
	query := `SELECT c.id, c.created_at, c.updated_at FROM conversations c
        WHERE (SELECT COUNT(*) FROM conversation_participants p WHERE p.conversation_id = c.id) = 2
        AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
        AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $2)
        ORDER BY c.id ASC LIMIT 1`
	err = tx.GetContext(ctx, &conv, query, userID, otherID)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowxContext(ctx, `INSERT INTO conversations DEFAULT VALUES RETURNING id, created_at, updated_at`).
			Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return models.Conversation{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)`,
			conv.ID, userID, otherID); err != nil {
			return models.Conversation{}, err
		}
	default:
		return models.Conversation{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	conv.Participants = []int64{userID, otherID}
	return conv, nil
}

// GetConversation fetches a conversation and its participants.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, created_at, updated_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	conv.Participants, err = r.ParticipantIDs(ctx, conversationID)
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID)
	return exists, err
}

// ParticipantIDs lists the users of a conversation.
func (r *ConversationRepo) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return ids, err
}

// ConversationIDsForUser lists every conversation the user participates in.
func (r *ConversationRepo) ConversationIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM conversation_participants WHERE user_id=$1 ORDER BY conversation_id`, userID)
	return ids, err
}

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]models.Conversation, error) {
	type row struct {
		ID           int64         `db:"id"`
		CreatedAt    time.Time     `db:"created_at"`
		UpdatedAt    time.Time     `db:"updated_at"`
		Participants pq.Int64Array `db:"participants"`
	}
	query := `SELECT c.id, c.created_at, c.updated_at,
            ARRAY(SELECT p2.user_id FROM conversation_participants p2 WHERE p2.conversation_id = c.id ORDER BY p2.user_id) AS participants
        FROM conversations c
        INNER JOIN conversation_participants p ON p.conversation_id = c.id
        WHERE p.user_id=$1
        ORDER BY c.updated_at DESC`
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}
	result := make([]models.Conversation, 0, len(rows))
	for _, rw := range rows {
		result = append(result, models.Conversation{
			ID:           rw.ID,
			CreatedAt:    rw.CreatedAt,
			UpdatedAt:    rw.UpdatedAt,
			Participants: []int64(rw.Participants),
		})
	}
	return result, nil
}
