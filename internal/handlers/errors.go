package handlers

import (
	"errors"
	"net/http"

	"chat-delivery/internal/delivery"
	"chat-delivery/internal/notifications"
)

// statusFor maps service errors to an HTTP status and a client safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, delivery.ErrValidation), errors.Is(err, notifications.ErrValidation):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, notifications.ErrSelfNotification):
		return http.StatusBadRequest, "cannot notify yourself"
	case errors.Is(err, delivery.ErrNotParticipant):
		return http.StatusForbidden, "not a conversation participant"
	case errors.Is(err, delivery.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, notifications.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, delivery.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
