package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-delivery/internal/auth"
)

// UserIDKey is the gin context key holding the authenticated user id (int64).
const UserIDKey = "userID"

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (int64, error)
}

// AuthMiddleware validates the Authorization header and stores the caller's id.
func AuthMiddleware(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := auth.BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		userID, err := authenticator.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated caller, or 0 when the request is anonymous.
func UserID(c *gin.Context) int64 {
	return c.GetInt64(UserIDKey)
}
