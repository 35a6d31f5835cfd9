package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-delivery/internal/broadcast"
	"chat-delivery/internal/models"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/protocol"
	"chat-delivery/internal/ratelimit"
)

// session is one connected socket. It is a broadcast.Subscriber: frames
// published to its groups land in send and are written by writePump.
type session struct {
	id     string
	userID int64
	h      *Handler
	conn   *websocket.Conn
	meta   observability.ConnMeta
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	groups map[string]struct{}
	closed bool
}

func newSession(h *Handler, conn *websocket.Conn, meta observability.ConnMeta, parent context.Context) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:     meta.ConnID,
		userID: meta.UserID,
		h:      h,
		conn:   conn,
		meta:   meta,
		logger: h.logger.With(zap.String("conn_id", meta.ConnID), zap.Int64("user_id", meta.UserID)),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		groups: make(map[string]struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Deliver queues payload without blocking. It reports false once the session
// is closed or its queue is full.
func (s *session) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *session) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", zap.Any("panic", r), zap.Stack("stack"))
			s.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	observability.IncWSActive()
	observability.PublishWSEvent(s.ctx, "ws_connect", s.meta, "")
	go s.writePump()

	if err := s.connect(); err != nil {
		s.logger.Error("session setup failed", zap.Error(err))
		s.fail(err)
		return
	}
	s.disconnect(s.readPump())
}

// connect performs the accept sequence. The order matters: the user is online
// and subscribed before anyone hears about it, and catch-up runs last so the
// frames it queues follow the live ones already subscribed to.
func (s *session) connect() error {
	return s.h.cfg.Pool.Do(s.ctx, func(ctx context.Context) error {
		if err := s.markOnline(ctx); err != nil {
			return fmt.Errorf("mark online: %w", err)
		}

		s.join(broadcast.OnlineUsers)
		ids, err := s.h.cfg.Delivery.ConversationIDs(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
		for _, id := range ids {
			s.join(broadcast.ConversationGroup(id))
		}

		if err := s.h.cfg.Router.Publish(ctx, broadcast.OnlineUsers, protocol.UserStatus{UserID: s.userID, Status: true}); err != nil {
			s.logger.Warn("publish online status", zap.Error(err))
		}

		delivered, err := s.h.cfg.Delivery.CatchUp(ctx, s.userID, s.deliverMessage)
		if err != nil {
			s.logger.Warn("catch-up failed", zap.Error(err))
		} else if delivered > 0 {
			s.logger.Debug("catch-up delivered", zap.Int("messages", delivered))
		}

		count, err := s.h.cfg.Notifications.UnreadCount(ctx, s.userID)
		if err != nil {
			s.logger.Warn("initial unread count", zap.Error(err))
			return nil
		}
		s.sendFrame(protocol.UnreadCount{Count: count})
		return nil
	})
}

// markOnline flips presence and joins the user group under the user lock, so a
// tab closing concurrently sees this one.
func (s *session) markOnline(ctx context.Context) error {
	lock := s.h.userLock(s.userID)
	lock.Lock()
	defer lock.Unlock()
	if _, err := s.h.cfg.Presence.Update(ctx, s.userID, true); err != nil {
		return err
	}
	s.join(broadcast.UserGroup(s.userID))
	return nil
}

func (s *session) deliverMessage(msg models.Message) bool {
	payload, err := protocol.Encode(protocol.ChatMessageEvent{Message: msg, ConversationID: msg.ConversationID})
	if err != nil {
		return false
	}
	return s.Deliver(payload)
}

// readPump reads frames until the connection fails and returns the reason.
func (s *session) readPump() string {
	pongWait := s.h.cfg.PongWait
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			reason := err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				observability.PublishWSEvent(s.ctx, "ws_error", s.meta, reason)
			}
			return reason
		}
		s.handle(data)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.h.cfg.PingPeriod)
	defer ticker.Stop()
	writeWait := s.h.cfg.WriteWait

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.disconnect("write: " + err.Error())
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.disconnect("ping: " + err.Error())
				return
			}
		}
	}
}

// handle processes one inbound frame. Frames are handled one at a time, so a
// session's effects keep the order the client sent them in.
func (s *session) handle(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.sendFrame(protocol.Error{Message: err.Error()})
		return
	}
	err = s.h.cfg.Pool.Do(s.ctx, func(ctx context.Context) error {
		return s.dispatch(ctx, frame)
	})
	if err == nil {
		return
	}
	reply, ok := errorFrame(err)
	if !ok {
		return
	}
	if reply.Message == ErrInternal.Error() {
		s.logger.Error("frame failed", zap.String("type", string(frame.FrameType())), zap.Error(err))
	}
	s.sendFrame(reply)
}

func (s *session) dispatch(ctx context.Context, frame protocol.Inbound) error {
	switch f := frame.(type) {
	case protocol.ChatMessage:
		if !s.h.cfg.Limiter.Allow(ctx, s.userID) {
			observability.IncRateLimited()
			s.h.audit(ctx, "chat rate limit exceeded", s.meta.RequestID, s.userID)
			return ratelimit.ErrRateLimited
		}
		msg, err := s.h.cfg.Delivery.Send(ctx, f.ConversationID, s.userID, f.Content)
		if err != nil {
			return err
		}
		s.ensureJoined(msg)
		return nil

	case protocol.FileMessageSent:
		msg, err := s.h.cfg.Delivery.AnnounceFileMessage(ctx, f.ConversationID, f.MessageID, s.userID)
		if err != nil {
			return err
		}
		s.ensureJoined(msg)
		return nil

	case protocol.ReadMessages:
		if _, err := s.h.cfg.Delivery.MarkAllRead(ctx, f.ConversationID, s.userID); err != nil {
			return err
		}
		s.join(broadcast.ConversationGroup(f.ConversationID))
		return nil

	case protocol.Typing:
		return s.h.cfg.Delivery.Typing(ctx, f.ConversationID, s.userID, f.IsTyping)

	case protocol.MarkNotificationRead:
		// the new count reaches every session of the user through user_<id>
		_, err := s.h.cfg.Notifications.MarkRead(ctx, f.NotificationID, s.userID)
		return err

	case protocol.MarkAllNotificationsRead:
		_, err := s.h.cfg.Notifications.MarkAllRead(ctx, s.userID)
		return err

	case protocol.Ping:
		s.sendFrame(protocol.Pong{})
		return nil
	}
	return protocol.ErrUnknownType
}

// ensureJoined subscribes to a conversation created after connect. The message
// that revealed it was published before the join, so it is echoed directly.
func (s *session) ensureJoined(msg models.Message) {
	if s.join(broadcast.ConversationGroup(msg.ConversationID)) {
		s.deliverMessage(msg)
	}
}

func (s *session) sendFrame(frame protocol.Outbound) {
	payload, err := protocol.Encode(frame)
	if err != nil {
		s.logger.Error("encode frame", zap.String("type", string(frame.FrameType())), zap.Error(err))
		return
	}
	if !s.Deliver(payload) {
		s.logger.Debug("frame dropped", zap.String("type", string(frame.FrameType())))
	}
}

// join reports whether the session was newly added to group.
func (s *session) join(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.groups[group]; ok {
		return false
	}
	s.groups[group] = struct{}{}
	s.h.cfg.Router.Join(group, s)
	return true
}

func (s *session) leaveAll() {
	s.mu.Lock()
	s.closed = true
	groups := s.groups
	s.groups = make(map[string]struct{})
	s.mu.Unlock()

	for group := range groups {
		s.h.cfg.Router.Leave(group, s)
	}
}

// fail closes the socket with 1011.
func (s *session) fail(err error) {
	observability.PublishWSEvent(s.ctx, "ws_error", s.meta, err.Error())
	s.closeWith(protocol.CloseInternalError, "internal error")
}

func (s *session) closeWith(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.h.cfg.WriteWait))
	s.disconnect(reason)
}

// disconnect tears the session down once, whatever closed it.
func (s *session) disconnect(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		// cleanup must finish even though the session context is done
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.h.cfg.WriteWait)
		defer cancel()
		s.cancel()

		lock := s.h.userLock(s.userID)
		lock.Lock()
		s.leaveAll()
		var status models.UserStatus
		var err error
		// Counts this node's sockets only. With the AMQP relay a user with a
		// socket on another node is stored offline until that node reconnects them.
		lastSession := s.h.cfg.Router.Subscribers(broadcast.UserGroup(s.userID)) == 0
		if lastSession {
			status, err = s.h.cfg.Presence.Update(ctx, s.userID, false)
		}
		lock.Unlock()

		switch {
		case !lastSession:
		case err != nil:
			s.logger.Warn("mark offline", zap.Error(err))
		default:
			lastSeen := status.LastActive
			if err := s.h.cfg.Router.Publish(ctx, broadcast.OnlineUsers, protocol.UserStatus{
				UserID:   s.userID,
				Status:   false,
				LastSeen: &lastSeen,
			}); err != nil {
				s.logger.Warn("publish offline status", zap.Error(err))
			}
		}

		s.h.untrack(s)
		observability.DecWSActive()
		observability.PublishWSEvent(ctx, "ws_disconnect", s.meta, reason)
		s.logger.Debug("session closed", zap.String("reason", reason))
	})
}
