// Package delivery persists chat messages and routes them to live sessions.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"chat-delivery/internal/broadcast"
	"chat-delivery/internal/models"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/protocol"
	"chat-delivery/internal/repositories"
)

const (
	DefaultMaxAttempts  = 5
	DefaultCatchUpBatch = 100
	DefaultCatchUpMax   = 500
)

// Presence answers which users are currently connected.
type Presence interface {
	OnlineAmong(ctx context.Context, userIDs []int64) ([]int64, error)
}

// Sanitizer cleans user supplied text before it is stored.
type Sanitizer interface {
	Sanitize(text string) string
}

// Config wires a Service.
type Config struct {
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Presence      Presence
	Router        broadcast.Router
	Sanitizer     Sanitizer
	Clock         func() time.Time
	Logger        *zap.Logger
	MaxAttempts   int
	CatchUpBatch  int
	CatchUpMax    int
}

// Service is the only writer of message delivery state.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	presence      Presence
	router        broadcast.Router
	sanitizer     Sanitizer
	clock         func() time.Time
	logger        *zap.Logger
	maxAttempts   int
	catchUpBatch  int
	catchUpMax    int
}

// NewService validates the wiring and applies defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Conversations == nil || cfg.Messages == nil {
		return nil, errors.New("delivery: repositories are required")
	}
	if cfg.Presence == nil || cfg.Router == nil || cfg.Sanitizer == nil {
		return nil, errors.New("delivery: presence, router and sanitizer are required")
	}
	s := &Service{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		presence:      cfg.Presence,
		router:        cfg.Router,
		sanitizer:     cfg.Sanitizer,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		maxAttempts:   cfg.MaxAttempts,
		catchUpBatch:  cfg.CatchUpBatch,
		catchUpMax:    cfg.CatchUpMax,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.catchUpBatch <= 0 {
		s.catchUpBatch = DefaultCatchUpBatch
	}
	if s.catchUpMax <= 0 {
		s.catchUpMax = DefaultCatchUpMax
	}
	return s, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// Send stores a chat message and routes it to the conversation and to every
// other participant. Senders outside the conversation get ErrNotParticipant,
// which callers are expected to swallow.
func (s *Service) Send(ctx context.Context, conversationID, senderID int64, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if conversationID <= 0 || content == "" {
		return models.Message{}, ErrValidation
	}
	if err := s.requireParticipant(ctx, conversationID, senderID); err != nil {
		return models.Message{}, err
	}

	clean := s.sanitizer.Sanitize(content)
	var msg models.Message
	err := s.withRetry(ctx, "create message", func(ctx context.Context) error {
		var err error
		msg, err = s.messages.CreateLocked(ctx, conversationID, senderID, clean, nil, s.now())
		return err
	})
	if err != nil {
		return models.Message{}, s.translate(err)
	}
	return s.dispatch(ctx, msg), nil
}

// SendAttachment stores a file message. Peers learn about it once the sender
// announces it with AnnounceFileMessage.
func (s *Service) SendAttachment(ctx context.Context, conversationID, senderID int64, content, attachment string) (models.Message, error) {
	attachment = strings.TrimSpace(attachment)
	if conversationID <= 0 || attachment == "" {
		return models.Message{}, ErrValidation
	}
	if err := s.requireParticipant(ctx, conversationID, senderID); err != nil {
		return models.Message{}, err
	}

	clean := s.sanitizer.Sanitize(strings.TrimSpace(content))
	var msg models.Message
	err := s.withRetry(ctx, "create file message", func(ctx context.Context) error {
		var err error
		msg, err = s.messages.CreateLocked(ctx, conversationID, senderID, clean, &attachment, s.now())
		return err
	})
	if err != nil {
		return models.Message{}, s.translate(err)
	}
	observability.IncMessage(string(msg.DeliveryStatus))
	return msg, nil
}

// AnnounceFileMessage routes a file message created through SendAttachment.
func (s *Service) AnnounceFileMessage(ctx context.Context, conversationID, messageID, senderID int64) (models.Message, error) {
	var msg models.Message
	err := s.withRetry(ctx, "load message", func(ctx context.Context) error {
		var err error
		msg, err = s.messages.GetMessage(ctx, messageID)
		return err
	})
	if err != nil {
		return models.Message{}, s.translate(err)
	}
	if msg.ConversationID != conversationID || msg.SenderID != senderID {
		return models.Message{}, ErrForbidden
	}
	if !msg.HasAttachment() || msg.IsDeleted {
		return models.Message{}, ErrValidation
	}
	return s.dispatch(ctx, msg), nil
}

// dispatch marks a fresh message delivered when another participant is online
// and publishes it. Failures here are logged; the message is already committed
// and stays pending for catch-up.
func (s *Service) dispatch(ctx context.Context, msg models.Message) models.Message {
	logger := s.logger.With(zap.Int64("conversation_id", msg.ConversationID), zap.Int64("message_id", msg.ID))

	participants, err := s.participants(ctx, msg.ConversationID)
	if err != nil {
		logger.Error("load participants", zap.Error(err))
	}
	others := lo.Without(participants, msg.SenderID)

	marked := false
	if msg.DeliveryStatus == models.DeliveryPending && len(others) > 0 {
		online, err := s.presence.OnlineAmong(ctx, others)
		if err != nil {
			logger.Warn("presence lookup failed, leaving message pending", zap.Error(err))
		} else if len(online) > 0 {
			now := s.now()
			err := s.withRetry(ctx, "mark delivered", func(ctx context.Context) error {
				var err error
				marked, err = s.messages.MarkDelivered(ctx, msg.ID, now)
				return err
			})
			if err != nil {
				logger.Error("mark delivered", zap.Error(err))
			} else if marked {
				msg.DeliveryStatus = models.DeliveryDelivered
				msg.DeliveryAttempts++
				msg.LastDeliveryAttempt = &now
			}
		}
	}

	var total broadcast.Receipt
	for _, id := range others {
		receipt := s.publishAck(ctx, broadcast.UserGroup(id), protocol.NewMessageNotification{
			ConversationID: msg.ConversationID,
			Message:        msg,
		})
		total.Accepted += receipt.Accepted
		total.Refused += receipt.Refused
	}
	if marked && total.Accepted == 0 && total.Refused > 0 {
		msg = s.undeliver(ctx, logger, msg)
	}
	observability.IncMessage(string(msg.DeliveryStatus))

	s.publish(ctx, broadcast.ConversationGroup(msg.ConversationID), protocol.ChatMessageEvent{
		Message:        msg,
		ConversationID: msg.ConversationID,
	})
	return msg
}

// undeliver records a failed attempt for a message every recipient socket
// refused, returning it to pending or, past the attempt limit, to failed.
func (s *Service) undeliver(ctx context.Context, logger *zap.Logger, msg models.Message) models.Message {
	err := s.withRetry(ctx, "record failed attempt", func(ctx context.Context) error {
		_, err := s.messages.RecordFailedAttempt(ctx, []int64{msg.ID}, s.now(), s.maxAttempts)
		return err
	})
	if err != nil {
		logger.Error("record failed attempt", zap.Error(err))
		return msg
	}
	logger.Warn("recipient queues full, message left for catch-up")
	msg.DeliveryStatus = models.DeliveryPending
	if msg.DeliveryAttempts >= s.maxAttempts {
		msg.DeliveryStatus = models.DeliveryFailed
	}
	return msg
}

// Edit replaces the content of a message. Only the sender may edit, and deleted
// messages cannot be edited.
func (s *Service) Edit(ctx context.Context, messageID, editorID int64, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if messageID <= 0 || content == "" {
		return models.Message{}, ErrValidation
	}
	clean := s.sanitizer.Sanitize(content)
	var msg models.Message
	err := s.withRetry(ctx, "edit message", func(ctx context.Context) error {
		var err error
		msg, err = s.messages.UpdateContent(ctx, messageID, editorID, clean, s.now())
		return err
	})
	if err != nil {
		return models.Message{}, s.translate(err)
	}
	s.publish(ctx, broadcast.ConversationGroup(msg.ConversationID), protocol.MessageEdited{Message: msg})
	return msg, nil
}

// Delete soft deletes a message for everyone. Repeated deletes succeed.
func (s *Service) Delete(ctx context.Context, messageID, requesterID int64) (models.Message, error) {
	var msg models.Message
	err := s.withRetry(ctx, "delete message", func(ctx context.Context) error {
		var err error
		msg, err = s.messages.SoftDelete(ctx, messageID, requesterID, s.now())
		return err
	})
	if err != nil {
		return models.Message{}, s.translate(err)
	}
	s.publish(ctx, broadcast.ConversationGroup(msg.ConversationID), protocol.MessageDeleted{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	return msg, nil
}

// Retry returns a failed message to pending and attempts delivery again.
func (s *Service) Retry(ctx context.Context, messageID, senderID int64) (models.Message, error) {
	var msg models.Message
	err := s.withRetry(ctx, "retry message", func(ctx context.Context) error {
		var err error
		msg, err = s.messages.Retry(ctx, messageID, senderID)
		return err
	})
	if err != nil {
		return models.Message{}, s.translate(err)
	}
	return s.dispatch(ctx, msg), nil
}

// MarkAllRead marks every message the reader did not send as read and tells the
// other participants.
func (s *Service) MarkAllRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	if conversationID <= 0 {
		return 0, ErrValidation
	}
	participants, err := s.participants(ctx, conversationID)
	if err != nil {
		return 0, s.translate(err)
	}
	if !lo.Contains(participants, readerID) {
		return 0, ErrNotParticipant
	}

	var count int64
	err = s.withRetry(ctx, "mark read", func(ctx context.Context) error {
		var err error
		count, err = s.messages.MarkAllRead(ctx, conversationID, readerID)
		return err
	})
	if err != nil {
		return 0, s.translate(err)
	}
	for _, id := range lo.Without(participants, readerID) {
		s.publish(ctx, broadcast.UserGroup(id), protocol.MessagesRead{ConversationID: conversationID, ReaderID: readerID})
	}
	return count, nil
}

// Typing forwards a typing indicator to the other participants.
func (s *Service) Typing(ctx context.Context, conversationID, userID int64, isTyping bool) error {
	participants, err := s.participants(ctx, conversationID)
	if err != nil {
		return s.translate(err)
	}
	if !lo.Contains(participants, userID) {
		return ErrNotParticipant
	}
	for _, id := range lo.Without(participants, userID) {
		s.publish(ctx, broadcast.UserGroup(id), protocol.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       isTyping,
		})
	}
	return nil
}

// CatchUp claims pending messages addressed to userID and hands them to deliver
// oldest first. Messages deliver refuses are recorded as failed attempts, and
// catch-up stops there. It returns how many messages were accepted.
func (s *Service) CatchUp(ctx context.Context, userID int64, deliver func(models.Message) bool) (int, error) {
	accepted, claimed := 0, 0
	for claimed < s.catchUpMax {
		limit := min(s.catchUpBatch, s.catchUpMax-claimed)
		var batch []models.Message
		err := s.withRetry(ctx, "claim pending", func(ctx context.Context) error {
			var err error
			batch, err = s.messages.ClaimPendingForRecipient(ctx, userID, limit, s.now())
			return err
		})
		if err != nil {
			return accepted, s.translate(err)
		}
		claimed += len(batch)

		var refused []int64
		for _, msg := range batch {
			if len(refused) == 0 && deliver(msg) {
				accepted++
				continue
			}
			refused = append(refused, msg.ID)
		}
		if len(refused) > 0 {
			err := s.withRetry(ctx, "record failed attempt", func(ctx context.Context) error {
				_, err := s.messages.RecordFailedAttempt(ctx, refused, s.now(), s.maxAttempts)
				return err
			})
			if err != nil {
				return accepted, s.translate(err)
			}
			s.logger.Warn("catch-up stopped, session queue full",
				zap.Int64("user_id", userID), zap.Int("refused", len(refused)))
			return accepted, nil
		}
		if len(batch) < limit {
			break
		}
	}
	return accepted, nil
}

// ListMessages returns a page of history to a participant.
func (s *Service) ListMessages(ctx context.Context, conversationID, userID, beforeID int64, limit int) ([]models.Message, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	err := s.withRetry(ctx, "list messages", func(ctx context.Context) error {
		var err error
		msgs, err = s.messages.ListForConversation(ctx, conversationID, beforeID, limit)
		return err
	})
	return msgs, s.translate(err)
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	var list []models.Conversation
	err := s.withRetry(ctx, "list conversations", func(ctx context.Context) error {
		var err error
		list, err = s.conversations.ListForUser(ctx, userID)
		return err
	})
	return list, s.translate(err)
}

// StartConversation gets or creates the direct conversation between two users.
func (s *Service) StartConversation(ctx context.Context, userID, otherID int64) (models.Conversation, error) {
	if otherID <= 0 || otherID == userID {
		return models.Conversation{}, ErrValidation
	}
	var conv models.Conversation
	err := s.withRetry(ctx, "start conversation", func(ctx context.Context) error {
		var err error
		conv, err = s.conversations.GetOrCreateDirect(ctx, userID, otherID)
		return err
	})
	return conv, s.translate(err)
}

// ConversationIDs lists the conversations a session should subscribe to.
func (s *Service) ConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.withRetry(ctx, "conversation ids", func(ctx context.Context) error {
		var err error
		ids, err = s.conversations.ConversationIDsForUser(ctx, userID)
		return err
	})
	return ids, s.translate(err)
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID int64) error {
	var ok bool
	err := s.withRetry(ctx, "check participant", func(ctx context.Context) error {
		var err error
		ok, err = s.conversations.IsParticipant(ctx, conversationID, userID)
		return err
	})
	if err != nil {
		return s.translate(err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

func (s *Service) participants(ctx context.Context, conversationID int64) ([]int64, error) {
	var ids []int64
	err := s.withRetry(ctx, "load participants", func(ctx context.Context) error {
		var err error
		ids, err = s.conversations.ParticipantIDs(ctx, conversationID)
		return err
	})
	return ids, err
}

func (s *Service) publish(ctx context.Context, group string, frame protocol.Outbound) {
	if err := s.router.Publish(ctx, group, frame); err != nil {
		s.logger.Error("publish frame", zap.String("group", group), zap.String("type", string(frame.FrameType())), zap.Error(err))
	}
}

// publishAck publishes frame and reports how local subscribers took it when the
// router can tell. Otherwise the receipt is empty.
func (s *Service) publishAck(ctx context.Context, group string, frame protocol.Outbound) broadcast.Receipt {
	ack, ok := s.router.(broadcast.Acknowledger)
	if !ok {
		s.publish(ctx, group, frame)
		return broadcast.Receipt{}
	}
	receipt, err := ack.PublishAck(ctx, group, frame)
	if err != nil {
		s.logger.Error("publish frame", zap.String("group", group), zap.String("type", string(frame.FrameType())), zap.Error(err))
	}
	return receipt
}

// translate maps repository errors onto the package's sentinels.
func (s *Service) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInternal):
		return err
	case errors.Is(err, repositories.ErrConversationNotFound):
		return ErrNotParticipant
	case errors.Is(err, repositories.ErrSelfConversation):
		return ErrValidation
	case errors.Is(err, repositories.ErrMessageNotFound):
		return ErrNotFound
	case errors.Is(err, repositories.ErrNotSender):
		return ErrForbidden
	case errors.Is(err, repositories.ErrMessageDeleted), errors.Is(err, repositories.ErrMessageNotRetrying):
		return ErrConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotParticipant), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return err
	default:
		s.logger.Error("store operation failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
