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

var ErrUserStatusNotFound = errors.New("user status not found")

// UserStatusRepository persists presence rows, one per user.
type UserStatusRepository interface {
	SetStatus(ctx context.Context, userID int64, online bool, at time.Time) (models.UserStatus, error)
	GetStatus(ctx context.Context, userID int64) (models.UserStatus, error)
	OnlineAmong(ctx context.Context, userIDs []int64) ([]int64, error)
}

// UserStatusRepo is a sqlx implementation of UserStatusRepository.
type UserStatusRepo struct {
	db *sqlx.DB
}

// NewUserStatusRepo constructs a UserStatusRepo.
func NewUserStatusRepo(db *sqlx.DB) *UserStatusRepo {
	return &UserStatusRepo{db: db}
}

// SetStatus creates the row on first use and flips the online flag. last_active
// moves only when the user goes offline.
func (r *UserStatusRepo) SetStatus(ctx context.Context, userID int64, online bool, at time.Time) (models.UserStatus, error) {
	var status models.UserStatus
	err := r.db.GetContext(ctx, &status, `INSERT INTO user_statuses (user_id, is_online, last_active) VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE SET
            is_online = EXCLUDED.is_online,
            last_active = CASE WHEN EXCLUDED.is_online THEN user_statuses.last_active ELSE EXCLUDED.last_active END
        RETURNING user_id, is_online, last_active`, userID, online, at)
	return status, err
}

// GetStatus fetches a user's presence row.
func (r *UserStatusRepo) GetStatus(ctx context.Context, userID int64) (models.UserStatus, error) {
	var status models.UserStatus
	err := r.db.GetContext(ctx, &status, `SELECT user_id, is_online, last_active FROM user_statuses WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserStatus{}, ErrUserStatusNotFound
	}
	return status, err
}

// OnlineAmong returns the subset of userIDs currently flagged online.
func (r *UserStatusRepo) OnlineAmong(ctx context.Context, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM user_statuses WHERE user_id = ANY($1) AND is_online = TRUE ORDER BY user_id`, pq.Array(userIDs))
	return ids, err
}
