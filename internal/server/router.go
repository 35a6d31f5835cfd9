package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-delivery/internal/handlers"
	"chat-delivery/internal/middleware"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/telemetry"
)

var (
	errMissingAuthenticator  = errors.New("authenticator dependency required")
	errMissingChatHandler    = errors.New("chat handler dependency required")
	errMissingNotifyHandler  = errors.New("notification handler dependency required")
	errMissingSocketEndpoint = errors.New("websocket handler dependency required")
)

// SocketEndpoint upgrades /ws requests.
type SocketEndpoint interface {
	Handle(c *gin.Context)
}

// HealthCheck reports whether the service can serve traffic.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	ServiceName   string
	Auth          middleware.Authenticator
	Chats         *handlers.ChatHandler
	Notifications *handlers.NotificationHandler
	Sockets       SocketEndpoint
	Audit         *telemetry.AuditEmitter
	Health        HealthCheck
	DebugEnabled  bool
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Auth == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Chats == nil {
		return nil, errMissingChatHandler
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifyHandler
	}
	if deps.Sockets == nil {
		return nil, errMissingSocketEndpoint
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "chat-delivery"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/healthz", healthHandler(deps.Health, logger))
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))
	router.GET("/ws", deps.Sockets.Handle)
	handlers.RegisterDebugRoutes(router, deps.Audit, deps.DebugEnabled)

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(deps.Auth))

	chats := deps.Chats
	protected.GET("/conversations", chats.ListConversations)
	protected.POST("/conversations", chats.StartConversation)
	protected.GET("/conversations/:id/messages", chats.ListMessages)
	protected.POST("/conversations/:id/read", chats.MarkRead)
	protected.POST("/conversations/:id/attachments", chats.UploadAttachment)
	protected.PATCH("/messages/:id", chats.EditMessage)
	protected.DELETE("/messages/:id", chats.DeleteMessage)
	protected.POST("/messages/:id/retry", chats.RetryMessage)

	notifications := deps.Notifications
	protected.GET("/notifications", notifications.List)
	protected.GET("/notifications/unread-count", notifications.UnreadCount)
	protected.POST("/notifications/:id/read", notifications.MarkRead)
	protected.POST("/notifications/read-all", notifications.MarkAllRead)
	protected.POST("/internal/notifications", notifications.Enqueue)

	return router, nil
}

func healthHandler(check HealthCheck, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
