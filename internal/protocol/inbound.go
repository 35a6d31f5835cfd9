// Package protocol defines the JSON frames exchanged over a chat socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Type names a frame.
type Type string

const (
	TypeChatMessage              Type = "chat_message"
	TypeReadMessages             Type = "read_messages"
	TypeTyping                   Type = "typing"
	TypeFileMessageSent          Type = "file_message_sent"
	TypeMarkNotificationRead     Type = "mark_notification_read"
	TypeMarkAllNotificationsRead Type = "mark_all_notifications_read"
	TypePing                     Type = "ping"
	TypeNewMessageNotification   Type = "new_message_notification"
	TypeMessagesRead             Type = "messages_read"
	TypeTypingIndicator          Type = "typing_indicator"
	TypeUserStatus               Type = "user_status"
	TypeNotification             Type = "notification"
	TypeUnreadCount              Type = "unread_count"
	TypeError                    Type = "error"
	TypeMessageEdited            Type = "message_edited"
	TypeMessageDeleted           Type = "message_deleted"
	TypePong                     Type = "pong"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown frame type")
)

// Inbound is a frame sent by a client. The set of implementations is closed.
type Inbound interface {
	FrameType() Type
}

type ChatMessage struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}

type ReadMessages struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
}

type Typing struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
	IsTyping       bool  `json:"is_typing"`
}

// FileMessageSent announces a message created through the upload endpoint.
type FileMessageSent struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
	MessageID      int64 `json:"message_id" validate:"required,gt=0"`
}

type MarkNotificationRead struct {
	NotificationID int64 `json:"notification_id" validate:"required,gt=0"`
}

type MarkAllNotificationsRead struct{}

type Ping struct{}

func (ChatMessage) FrameType() Type              { return TypeChatMessage }
func (ReadMessages) FrameType() Type             { return TypeReadMessages }
func (Typing) FrameType() Type                   { return TypeTyping }
func (FileMessageSent) FrameType() Type          { return TypeFileMessageSent }
func (MarkNotificationRead) FrameType() Type     { return TypeMarkNotificationRead }
func (MarkAllNotificationsRead) FrameType() Type { return TypeMarkAllNotificationsRead }
func (Ping) FrameType() Type                     { return TypePing }

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a client frame. Chat message content is checked by the delivery
// pipeline, not here.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var frame Inbound
	switch env.Type {
	case TypeChatMessage:
		frame = &ChatMessage{}
	case TypeReadMessages:
		frame = &ReadMessages{}
	case TypeTyping:
		frame = &Typing{}
	case TypeFileMessageSent:
		frame = &FileMessageSent{}
	case TypeMarkNotificationRead:
		frame = &MarkNotificationRead{}
	case TypeMarkAllNotificationsRead:
		return MarkAllNotificationsRead{}, nil
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(frame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, describe(err))
	}
	return deref(frame), nil
}

func deref(frame Inbound) Inbound {
	switch f := frame.(type) {
	case *ChatMessage:
		return *f
	case *ReadMessages:
		return *f
	case *Typing:
		return *f
	case *FileMessageSent:
		return *f
	case *MarkNotificationRead:
		return *f
	}
	return frame
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, ", ")
}
