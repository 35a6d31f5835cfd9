package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"chat-delivery/internal/models"
)

// Close codes sent when the server ends a session.
const (
	CloseUnauthorized  = 4001
	CloseProtocolError = 4002
	CloseInternalError = 1011
)

// Outbound is a frame sent to clients. The set of implementations is closed.
type Outbound interface {
	FrameType() Type
}

type ChatMessageEvent struct {
	Message        models.Message `json:"message"`
	ConversationID int64          `json:"conversation_id"`
}

type NewMessageNotification struct {
	ConversationID int64          `json:"conversation_id"`
	Message        models.Message `json:"message"`
}

type MessagesRead struct {
	ConversationID int64 `json:"conversation_id"`
	ReaderID       int64 `json:"reader_id"`
}

type TypingIndicator struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
	IsTyping       bool  `json:"is_typing"`
}

// UserStatus reports presence; LastSeen is set only when going offline.
type UserStatus struct {
	UserID   int64      `json:"user_id"`
	Status   bool       `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type NotificationEvent struct {
	Notification models.Notification `json:"notification"`
}

type UnreadCount struct {
	Count int64 `json:"count"`
}

type Error struct {
	Message string `json:"message"`
}

type MessageEdited struct {
	Message models.Message `json:"message"`
}

type MessageDeleted struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

type Pong struct{}

func (ChatMessageEvent) FrameType() Type       { return TypeChatMessage }
func (NewMessageNotification) FrameType() Type { return TypeNewMessageNotification }
func (MessagesRead) FrameType() Type           { return TypeMessagesRead }
func (TypingIndicator) FrameType() Type        { return TypeTypingIndicator }
func (UserStatus) FrameType() Type             { return TypeUserStatus }
func (NotificationEvent) FrameType() Type      { return TypeNotification }
func (UnreadCount) FrameType() Type            { return TypeUnreadCount }
func (Error) FrameType() Type                  { return TypeError }
func (MessageEdited) FrameType() Type          { return TypeMessageEdited }
func (MessageDeleted) FrameType() Type         { return TypeMessageDeleted }
func (Pong) FrameType() Type                   { return TypePong }

// Encode renders an outbound frame as a flat JSON object with a "type" field.
func Encode(frame Outbound) ([]byte, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", frame.FrameType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", frame.FrameType(), err)
	}
	typ, _ := json.Marshal(frame.FrameType())
	fields["type"] = typ
	return json.Marshal(fields)
}

// DecodeOutbound parses a frame produced by Encode. It is used by the
// multi-node relay and by clients written in Go.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var frame Outbound
	switch env.Type {
	case TypeChatMessage:
		frame = &ChatMessageEvent{}
	case TypeNewMessageNotification:
		frame = &NewMessageNotification{}
	case TypeMessagesRead:
		frame = &MessagesRead{}
	case TypeTypingIndicator:
		frame = &TypingIndicator{}
	case TypeUserStatus:
		frame = &UserStatus{}
	case TypeNotification:
		frame = &NotificationEvent{}
	case TypeUnreadCount:
		frame = &UnreadCount{}
	case TypeError:
		frame = &Error{}
	case TypeMessageEdited:
		frame = &MessageEdited{}
	case TypeMessageDeleted:
		frame = &MessageDeleted{}
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return derefOutbound(frame), nil
}

func derefOutbound(frame Outbound) Outbound {
	switch f := frame.(type) {
	case *ChatMessageEvent:
		return *f
	case *NewMessageNotification:
		return *f
	case *MessagesRead:
		return *f
	case *TypingIndicator:
		return *f
	case *UserStatus:
		return *f
	case *NotificationEvent:
		return *f
	case *UnreadCount:
		return *f
	case *Error:
		return *f
	case *MessageEdited:
		return *f
	case *MessageDeleted:
		return *f
	}
	return frame
}
