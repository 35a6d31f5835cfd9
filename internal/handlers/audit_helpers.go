package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-delivery/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader(middleware.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

// userID is the authenticated caller; routes behind AuthMiddleware always have one.
func userID(c *gin.Context) int64 {
	return middleware.UserID(c)
}

// optionalUserID also accepts X-User-ID on unauthenticated debug routes.
func optionalUserID(c *gin.Context) int64 {
	if id := middleware.UserID(c); id != 0 {
		return id
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		if parsed, err := strconv.ParseInt(header, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
