// Package broadcast fans frames out to named groups of live sessions.
package broadcast

import (
	"context"
	"strconv"
	"strings"

	"chat-delivery/internal/protocol"
)

// OnlineUsers is the presence group every session joins.
const OnlineUsers = "online_users"

// Subscriber receives encoded frames. Deliver must not block; it reports false
// when the frame could not be queued.
type Subscriber interface {
	ID() string
	Deliver(payload []byte) bool
}

// Router routes frames to every subscriber of a group. Publishing to a group
// without subscribers is a no-op.
type Router interface {
	Join(group string, sub Subscriber)
	Leave(group string, sub Subscriber)
	Publish(ctx context.Context, group string, frame protocol.Outbound) error
	Subscribers(group string) int
}

// Receipt counts the local subscribers of a group that took or refused a frame.
type Receipt struct {
	Accepted int
	Refused  int
}

// Acknowledger is a Router that can report what its local subscribers did with
// a frame. Routers that relay through a broker cannot, and do not implement it.
type Acknowledger interface {
	PublishAck(ctx context.Context, group string, frame protocol.Outbound) (Receipt, error)
}

// UserGroup is the personal group of a user.
func UserGroup(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// ConversationGroup is the group of sockets viewing a conversation.
func ConversationGroup(conversationID int64) string {
	return "conversation_" + strconv.FormatInt(conversationID, 10)
}

// Family returns the metric label of a group name.
func Family(group string) string {
	switch {
	case group == OnlineUsers:
		return "online_users"
	case strings.HasPrefix(group, "user_"):
		return "user"
	case strings.HasPrefix(group, "conversation_"):
		return "conversation"
	default:
		return "other"
	}
}
