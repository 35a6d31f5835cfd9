// Package ws upgrades chat sockets and runs one session per connection.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-delivery/internal/auth"
	"chat-delivery/internal/broadcast"
	"chat-delivery/internal/models"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/protocol"
	"chat-delivery/internal/telemetry"
	"chat-delivery/internal/workers"
)

// Subprotocol is the frame protocol version this server speaks.
const Subprotocol = "chat.v1"

const (
	DefaultPingPeriod = 54 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultWriteWait  = 10 * time.Second
	DefaultSendBuffer = 256
	maxFrameSize      = 64 << 10
)

// Authenticator resolves the connection token to a user id.
type Authenticator interface {
	Authenticate(token string) (int64, error)
}

// Presence flips the stored online flag.
type Presence interface {
	Update(ctx context.Context, userID int64, online bool) (models.UserStatus, error)
}

// Delivery is the slice of the delivery pipeline a session drives.
type Delivery interface {
	Send(ctx context.Context, conversationID, senderID int64, content string) (models.Message, error)
	AnnounceFileMessage(ctx context.Context, conversationID, messageID, senderID int64) (models.Message, error)
	MarkAllRead(ctx context.Context, conversationID, readerID int64) (int64, error)
	Typing(ctx context.Context, conversationID, userID int64, isTyping bool) error
	CatchUp(ctx context.Context, userID int64, deliver func(models.Message) bool) (int, error)
	ConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Notifications is the slice of the notification service a session drives.
type Notifications interface {
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkRead(ctx context.Context, notificationID, recipientID int64) (int64, error)
	MarkAllRead(ctx context.Context, recipientID int64) (int64, error)
}

// RateLimiter gates chat_message frames.
type RateLimiter interface {
	Allow(ctx context.Context, senderID int64) bool
}

// Auditor records security relevant session events.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID int64)
}

// Config wires a Handler. Subprotocols lists the accepted subprotocols; a
// client asking only for others is closed with 4002.
type Config struct {
	Router        broadcast.Router
	Auth          Authenticator
	Presence      Presence
	Delivery      Delivery
	Notifications Notifications
	Limiter       RateLimiter
	Pool          *workers.Pool
	Audit         Auditor
	Logger        *zap.Logger
	Subprotocols  []string
	SendBuffer    int
	PingPeriod    time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
}

// Handler accepts chat sockets.
type Handler struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// presence transitions of one user are serialized so a closing tab cannot
	// mark a user offline while another tab is connecting
	userLocks [64]sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHandler applies defaults to cfg.
func NewHandler(cfg Config) *Handler {
	if cfg.Pool == nil {
		cfg.Pool = workers.NewPool(workers.DefaultSize)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = DefaultPingPeriod
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			Subprotocols: cfg.Subprotocols,
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Handle upgrades the request and runs the session in the background.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-delivery/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	requestID := observability.RequestIDFromRequest(c.Request)
	userID, authErr := h.authenticate(c.Request)
	requested := websocket.Subprotocols(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		h.audit(ctx, "rejected unauthenticated socket: "+authErr.Error(), requestID, 0)
		h.reject(conn, protocol.CloseUnauthorized, "unauthorized")
		return
	}
	if len(requested) > 0 && conn.Subprotocol() == "" {
		h.reject(conn, protocol.CloseProtocolError, "unsupported subprotocol")
		return
	}

	meta := observability.ConnMeta{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	s := newSession(h, conn, meta, context.WithoutCancel(ctx))
	h.track(s)
	go s.run()
}

// Connections reports the number of open sessions on this node.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll ends every session with a going-away close frame.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Handler) authenticate(r *http.Request) (int64, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if bearer, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
			token = bearer
		}
	}
	return h.cfg.Auth.Authenticate(token)
}

func (h *Handler) reject(conn *websocket.Conn, code int, reason string) {
	observability.IncWSEvent("ws_rejected")
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.cfg.WriteWait))
	_ = conn.Close()
}

func (h *Handler) track(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *Handler) untrack(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
}

func (h *Handler) userLock(userID int64) *sync.Mutex {
	return &h.userLocks[uint64(userID)%uint64(len(h.userLocks))]
}

func (h *Handler) audit(ctx context.Context, text, requestID string, userID int64) {
	if h.cfg.Audit == nil {
		return
	}
	h.cfg.Audit.Emit(ctx, telemetry.LevelWarn, text, requestID, userID)
}
