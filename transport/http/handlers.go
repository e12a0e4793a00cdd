package http

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/service"
)

// SessionCookie carries the session token in browsers
const SessionCookie = "fillwatch_session"

// AuthHandlers contains HTTP handlers for login and logout
type AuthHandlers struct {
	authService  *service.AuthService
	binder       *service.SessionBinder
	cookieSecure bool
	sessionTTL   time.Duration
	logger       *slog.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(
	authService *service.AuthService,
	binder *service.SessionBinder,
	cookieSecure bool,
	sessionTTL time.Duration,
	logger *slog.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		authService:  authService,
		binder:       binder,
		cookieSecure: cookieSecure,
		sessionTTL:   sessionTTL,
		logger:       logger,
	}
}

// Nonce hands out a login challenge for the address in the path
func (h *AuthHandlers) Nonce(c *gin.Context) {
	nonce, err := h.authService.IssueNonce(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, core.ErrInvalidIdentity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid Ethereum address"})
			return
		}
		h.logger.Error("failed to issue nonce", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate nonce"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

// LoginMetaMask verifies a signed nonce and opens a session
func (h *AuthHandlers) LoginMetaMask(c *gin.Context) {
	var req struct {
		Address   string `json:"address" binding:"required"`
		Signature string `json:"signature" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Address and signature required"})
		return
	}

	identity, err := h.authService.Login(c.Request.Context(), req.Address, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidIdentity):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid Ethereum address"})
		case errors.Is(err, core.ErrChallengeNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Nonce not found or expired. Request a new nonce."})
		case errors.Is(err, core.ErrSignatureMismatch):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Signature verification failed"})
		default:
			h.logger.Error("wallet login failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error during MetaMask login"})
		}
		return
	}

	token, ok := h.openSession(c, identity)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error during MetaMask login"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged in successfully", "token": token})
}

// TestLogin opens a session for the test identity with fixed credentials
func (h *AuthHandlers) TestLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	identity, err := h.authService.TestLogin(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, ok := h.openSession(c, identity)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error during test login"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Test login successful", "token": token})
}

// Logout destroys the current session, if any
func (h *AuthHandlers) Logout(c *gin.Context) {
	if err := h.binder.Unbind(c.Request.Context(), sessionToken(c)); err != nil {
		h.logger.Error("failed to destroy session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error logging out"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", h.cookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *AuthHandlers) openSession(c *gin.Context, identity core.Identity) (string, bool) {
	token, _, err := h.binder.Bind(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to bind session", "identity", identity, "error", err)
		return "", false
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(h.sessionTTL.Seconds()), "/", "", h.cookieSecure, true)
	return token, true
}

// ConfigHandlers contains HTTP handlers for monitoring configuration
type ConfigHandlers struct {
	registry         *service.MonitorRegistry
	redactSigningKey bool
	logger           *slog.Logger
}

// NewConfigHandlers creates new config handlers
func NewConfigHandlers(registry *service.MonitorRegistry, redactSigningKey bool, logger *slog.Logger) *ConfigHandlers {
	return &ConfigHandlers{
		registry:         registry,
		redactSigningKey: redactSigningKey,
		logger:           logger,
	}
}

// SetConfig saves the configuration of the caller and (re)starts its monitor
func (h *ConfigHandlers) SetConfig(c *gin.Context) {
	var payload core.ConfigPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	identity := currentIdentity(c)
	if _, err := h.registry.SetConfig(c.Request.Context(), identity, payload); err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
			return
		}
		h.logger.Error("failed to apply configuration", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save config or start monitoring"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Configuration saved and monitoring started"})
}

type configResponse struct {
	PrivateKey    string   `json:"privateKey"`
	WalletAddress string   `json:"walletAddress"`
	WebhookURL    string   `json:"webhookUrl"`
	Tokens        []string `json:"tokens"`
	MinSize       float64  `json:"minSize"`
	Active        bool     `json:"active"`
}

// GetConfig returns the saved configuration of the caller
func (h *ConfigHandlers) GetConfig(c *gin.Context) {
	identity := currentIdentity(c)
	cfg, err := h.registry.Config(c.Request.Context(), identity)
	if err != nil {
		if errors.Is(err, core.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Configuration not found"})
			return
		}
		h.logger.Error("failed to load configuration", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load config"})
		return
	}

	resp := configResponse{
		PrivateKey:    cfg.SigningKey,
		WalletAddress: cfg.PayoutAddress,
		WebhookURL:    cfg.NotifyEndpoint,
		Tokens:        cfg.WatchedAssets,
		MinSize:       cfg.MinSize.InexactFloat64(),
		Active:        cfg.Active,
	}
	if h.redactSigningKey {
		resp.PrivateKey = ""
	}

	c.JSON(http.StatusOK, resp)
}

// StopTracking stops the monitor of the caller
func (h *ConfigHandlers) StopTracking(c *gin.Context) {
	identity := currentIdentity(c)
	if err := h.registry.Stop(c.Request.Context(), identity); err != nil {
		h.logger.Error("failed to stop monitoring", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to stop monitoring"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Monitoring stopped"})
}

// Status reports whether monitoring is desired and running for the caller
func (h *ConfigHandlers) Status(c *gin.Context) {
	identity := currentIdentity(c)
	status, err := h.registry.Status(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to load monitor status", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load status"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// AdminPage serves admin.html to signed in users and sends everyone else to
// the login page
func AdminPage(binder *service.SessionBinder, publicDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := binder.CurrentIdentity(c.Request.Context(), sessionToken(c)); err != nil {
			c.Redirect(http.StatusFound, "/test-login.html")
			return
		}
		c.File(filepath.Join(publicDir, "admin.html"))
	}
}

// Health answers liveness probes
func Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}
