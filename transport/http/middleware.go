package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/service"
)

const (
	identityKey  = "identity"
	sessionIDKey = "session_id"
)

// AuthMiddleware resolves the session token to an identity and rejects the
// request when there is none
func AuthMiddleware(binder *service.SessionBinder, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := binder.CurrentSession(c.Request.Context(), sessionToken(c))
		if err != nil {
			if errors.Is(err, core.ErrPersistence) {
				logger.Error("failed to resolve session", "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Set(identityKey, session.Identity)
		c.Set(sessionIDKey, session.ID)
		c.Next()
	}
}

// sessionToken reads the session cookie, falling back to a bearer token
func sessionToken(c *gin.Context) string {
	if token, err := c.Cookie(SessionCookie); err == nil && token != "" {
		return token
	}

	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func currentIdentity(c *gin.Context) core.Identity {
	return c.MustGet(identityKey).(core.Identity)
}

// RequestLogger logs one line per request
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP())
	}
}

// Recovery turns a panic into an opaque 500
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic while handling request",
			"path", c.Request.URL.Path,
			"panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	})
}
