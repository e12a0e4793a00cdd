package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/fillwatch/adapters/events"
	"github.com/layer-3/fillwatch/service"
)

// RouterConfig carries the transport settings of the router
type RouterConfig struct {
	PublicDir        string
	CookieSecure     bool
	SessionTTL       time.Duration
	RedactSigningKey bool
}

// SetupRouter sets up the Gin router. The event stream is served only
// when feed is set.
func SetupRouter(
	authService *service.AuthService,
	binder *service.SessionBinder,
	registry *service.MonitorRegistry,
	feed *events.Feed,
	cfg RouterConfig,
	logger *slog.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(logger), Recovery(logger))

	authHandlers := NewAuthHandlers(authService, binder, cfg.CookieSecure, cfg.SessionTTL, logger)
	configHandlers := NewConfigHandlers(registry, cfg.RedactSigningKey, logger)

	router.GET("/health", Health)

	// Auth routes
	api := router.Group("/api")
	{
		api.GET("/nonce/:address", authHandlers.Nonce)
		api.POST("/login-metamask", authHandlers.LoginMetaMask)
		api.POST("/logout", authHandlers.Logout)
		if authService.TestLoginEnabled() {
			api.POST("/test-login", authHandlers.TestLogin)
		}
	}

	// Protected API routes
	protected := router.Group("/api")
	protected.Use(AuthMiddleware(binder, logger))
	{
		protected.POST("/setConfig", configHandlers.SetConfig)
		protected.GET("/getConfig", configHandlers.GetConfig)
		protected.POST("/stopTracking", configHandlers.StopTracking)
		protected.GET("/status", configHandlers.Status)
		if feed != nil {
			protected.GET("/events", EventStream(feed))
		}
	}

	router.GET("/admin.html", AdminPage(binder, cfg.PublicDir))

	if cfg.PublicDir != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.PublicDir))))
	}

	return router
}
