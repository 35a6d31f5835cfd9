package handlers

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"chat-delivery/internal/telemetry"
)

const maxAuditTextRunes = 200

var auditLevels = map[string]string{
	"info":  telemetry.LevelInfo,
	"warn":  telemetry.LevelWarn,
	"error": telemetry.LevelError,
}

// RegisterDebugRoutes wires debug-only endpoints. GET /debug/audit-test pushes one
// audit record through the bus; ?level= and ?text= shape it.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}
	debug := router.Group("/debug")
	debug.GET("/audit-test", emitAuditTest(emitter))
}

func emitAuditTest(emitter *telemetry.AuditEmitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		level, ok := auditLevels[strings.ToLower(c.DefaultQuery("level", "info"))]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "level must be info, warn or error"})
			return
		}
		text := strings.TrimSpace(c.DefaultQuery("text", "audit test"))
		if text == "" || utf8.RuneCountInString(text) > maxAuditTextRunes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid text"})
			return
		}

		emitter.Emit(c.Request.Context(), level, text, requestIDFromContext(c), optionalUserID(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "level": level, "text": text})
	}
}
