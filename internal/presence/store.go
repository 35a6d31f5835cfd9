// Package presence records whether users are connected and when they were last seen.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chat-delivery/internal/models"
	"chat-delivery/internal/repositories"
)

// Config configures a Store.
type Config struct {
	Repository repositories.UserStatusRepository
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the only writer of user status rows.
type Store struct {
	repo   repositories.UserStatusRepository
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: cfg.Repository, clock: clock, logger: logger}
}

// Update sets the online flag, creating the row on first use. Going offline
// stamps last_active with the current time.
func (s *Store) Update(ctx context.Context, userID int64, online bool) (models.UserStatus, error) {
	status, err := s.repo.SetStatus(ctx, userID, online, s.clock().UTC())
	if err != nil {
		return models.UserStatus{}, fmt.Errorf("update presence of %d: %w", userID, err)
	}
	s.logger.Debug("presence updated", zap.Int64("user_id", userID), zap.Bool("online", online))
	return status, nil
}

// IsOnline reports the stored flag; users never seen are offline.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	status, err := s.repo.GetStatus(ctx, userID)
	if errors.Is(err, repositories.ErrUserStatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status.IsOnline, nil
}

// OnlineAmong filters userIDs down to those currently online.
func (s *Store) OnlineAmong(ctx context.Context, userIDs []int64) ([]int64, error) {
	return s.repo.OnlineAmong(ctx, userIDs)
}

// Status returns the stored row, or an offline status for unknown users.
func (s *Store) Status(ctx context.Context, userID int64) (models.UserStatus, error) {
	status, err := s.repo.GetStatus(ctx, userID)
	if errors.Is(err, repositories.ErrUserStatusNotFound) {
		return models.UserStatus{UserID: userID}, nil
	}
	return status, err
}
