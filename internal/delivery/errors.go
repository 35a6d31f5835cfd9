package delivery

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotParticipant = errors.New("not a conversation participant")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal error")
)

// isTransient reports store errors worth one more attempt: serialization
// failures, deadlocks, lock timeouts and dropped connections.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return pqErr.Code.Class() == "08"
	}
	return false
}

// withRetry runs fn and repeats it once after a transient failure. A second
// transient failure is reported as ErrInternal.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !isTransient(err) {
		return err
	}
	s.logger.Warn("transient store error, retrying", zap.String("op", op), zap.Error(err))
	err = fn(ctx)
	if err != nil && isTransient(err) {
		s.logger.Error("store operation failed after retry", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
	}
	return err
}
