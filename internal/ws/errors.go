package ws

import (
	"context"
	"errors"

	"chat-delivery/internal/delivery"
	"chat-delivery/internal/notifications"
	"chat-delivery/internal/protocol"
	"chat-delivery/internal/ratelimit"
)

// ErrInternal marks failures the client only sees as a generic error frame.
var ErrInternal = errors.New("internal error")

// errorFrame maps a frame handling error to the reply sent to the client.
// ok is false when the error is swallowed.
func errorFrame(err error) (protocol.Error, bool) {
	switch {
	case err == nil:
		return protocol.Error{}, false
	case errors.Is(err, delivery.ErrNotParticipant):
		return protocol.Error{}, false
	case errors.Is(err, context.Canceled):
		return protocol.Error{}, false
	case errors.Is(err, ratelimit.ErrRateLimited):
		return protocol.Error{Message: "rate limited"}, true
	case errors.Is(err, delivery.ErrValidation):
		return protocol.Error{Message: "invalid message"}, true
	case errors.Is(err, delivery.ErrForbidden):
		return protocol.Error{Message: "forbidden"}, true
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, notifications.ErrNotFound):
		return protocol.Error{Message: "not found"}, true
	case errors.Is(err, delivery.ErrConflict):
		return protocol.Error{Message: "conflict"}, true
	case errors.Is(err, protocol.ErrUnknownType):
		return protocol.Error{Message: err.Error()}, true
	default:
		return protocol.Error{Message: ErrInternal.Error()}, true
	}
}
