package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-delivery/internal/models"
	"chat-delivery/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) GetOrCreateDirect(ctx context.Context, userID int64, otherID int64) (models.Conversation, error) {
	args := m.Called(ctx, userID, otherID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	args := m.Called(ctx, conversationID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) ConversationIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID int64) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateLocked(ctx context.Context, conversationID int64, senderID int64, content string, attachment *string, at time.Time) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content, attachment, at)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) ListForConversation(ctx context.Context, conversationID int64, beforeID int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, beforeID, limit)
	return messagesArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) MarkDelivered(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	args := m.Called(ctx, messageID, at)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) ClaimPendingForRecipient(ctx context.Context, recipientID int64, limit int, at time.Time) ([]models.Message, error) {
	args := m.Called(ctx, recipientID, limit, at)
	return messagesArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) RecordFailedAttempt(ctx context.Context, messageIDs []int64, at time.Time, maxAttempts int) (int64, error) {
	args := m.Called(ctx, messageIDs, at, maxAttempts)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) Retry(ctx context.Context, messageID int64, senderID int64) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) MarkAllRead(ctx context.Context, conversationID int64, readerID int64) (int64, error) {
	args := m.Called(ctx, conversationID, readerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) UpdateContent(ctx context.Context, messageID int64, senderID int64, content string, at time.Time) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID, content, at)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID int64, senderID int64, at time.Time) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID, at)
	return messageArg(args, 0), args.Error(1)
}

func messageArg(args mock.Arguments, i int) models.Message {
	var msg models.Message
	if val := args.Get(i); val != nil {
		msg = val.(models.Message)
	}
	return msg
}

func messagesArg(args mock.Arguments, i int) []models.Message {
	var msgs []models.Message
	if val := args.Get(i); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs
}

type UserStatusRepositoryMock struct {
	mock.Mock
}

func (m *UserStatusRepositoryMock) SetStatus(ctx context.Context, userID int64, online bool, at time.Time) (models.UserStatus, error) {
	args := m.Called(ctx, userID, online, at)
	var status models.UserStatus
	if val := args.Get(0); val != nil {
		status = val.(models.UserStatus)
	}
	return status, args.Error(1)
}

func (m *UserStatusRepositoryMock) GetStatus(ctx context.Context, userID int64) (models.UserStatus, error) {
	args := m.Called(ctx, userID)
	var status models.UserStatus
	if val := args.Get(0); val != nil {
		status = val.(models.UserStatus)
	}
	return status, args.Error(1)
}

func (m *UserStatusRepositoryMock) OnlineAmong(ctx context.Context, userIDs []int64) ([]int64, error) {
	args := m.Called(ctx, userIDs)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

type NotificationRepositoryMock struct {
	mock.Mock
}

func (m *NotificationRepositoryMock) CreateNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	args := m.Called(ctx, n)
	var created models.Notification
	if val := args.Get(0); val != nil {
		created = val.(models.Notification)
	}
	return created, args.Error(1)
}

func (m *NotificationRepositoryMock) ListForRecipient(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error) {
	args := m.Called(ctx, recipientID, limit)
	var list []models.Notification
	if val := args.Get(0); val != nil {
		list = val.([]models.Notification)
	}
	return list, args.Error(1)
}

func (m *NotificationRepositoryMock) CountUnread(ctx context.Context, recipientID int64) (int64, error) {
	args := m.Called(ctx, recipientID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *NotificationRepositoryMock) MarkRead(ctx context.Context, notificationID int64, recipientID int64) error {
	args := m.Called(ctx, notificationID, recipientID)
	return args.Error(0)
}

func (m *NotificationRepositoryMock) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	args := m.Called(ctx, recipientID)
	return args.Get(0).(int64), args.Error(1)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.UserStatusRepository = (*UserStatusRepositoryMock)(nil)
var _ repositories.NotificationRepository = (*NotificationRepositoryMock)(nil)
