package http

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/fillwatch/adapters/events"
	"github.com/layer-3/fillwatch/adapters/store"
	"github.com/layer-3/fillwatch/adapters/tokenizer"
	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/internal/eth"
	"github.com/layer-3/fillwatch/ports"
	"github.com/layer-3/fillwatch/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubHandle struct {
	cfg       core.Configuration
	startedAt time.Time
	done      chan struct{}
	once      sync.Once
}

func (h *stubHandle) Identity() core.Identity    { return h.cfg.Identity }
func (h *stubHandle) Config() core.Configuration { return h.cfg }
func (h *stubHandle) StartedAt() time.Time       { return h.startedAt }
func (h *stubHandle) Done() <-chan struct{}      { return h.done }

func (h *stubHandle) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

type stubStarter struct {
	mu   sync.Mutex
	fail bool
}

func (s *stubStarter) Start(ctx context.Context, cfg core.Configuration) (ports.MonitorHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("node unreachable")
	}
	return &stubHandle{cfg: cfg, startedAt: time.Now(), done: make(chan struct{})}, nil
}

type testServer struct {
	router   *gin.Engine
	registry *service.MonitorRegistry
	starter  *stubStarter
	events   *events.WatermillPublisher
}

func newTestServer(t *testing.T, testLogin service.TestLogin, redact bool) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	configs, err := store.OpenSQLiteConfigStore(ctx, filepath.Join(t.TempDir(), "configs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = configs.Close() })

	publicDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(publicDir, "admin.html"), []byte("<h1>admin</h1>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(publicDir, "test-login.html"), []byte("<h1>login</h1>"), 0o600))

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	eventPub := events.NewWatermillPublisher(pubSub)
	feed := events.NewFeed(pubSub, logger)

	feedCtx, cancel := context.WithCancel(ctx)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		_ = feed.Run(feedCtx)
	}()
	<-feed.Running()
	t.Cleanup(func() {
		cancel()
		<-feedDone
		_ = pubSub.Close()
	})

	starter := &stubStarter{}
	authService := service.NewAuthService(store.NewMemoryNonceStore(5*time.Minute, nil), testLogin, logger)
	binder := service.NewSessionBinder(tokenizer.NewJWTTokenizer(key), store.NewMemorySessionStore(), eventPub, time.Hour, logger)
	registry := service.NewMonitorRegistry(configs, starter, service.NewConfigValidator(nil), eventPub, logger)

	router := SetupRouter(authService, binder, registry, feed, RouterConfig{
		PublicDir:        publicDir,
		SessionTTL:       time.Hour,
		RedactSigningKey: redact,
	}, logger)

	return &testServer{router: router, registry: registry, starter: starter, events: eventPub}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// walletLogin runs the nonce and signature flow and returns the session token
func (s *testServer) walletLogin(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := s.do(t, http.MethodGet, "/api/nonce/"+address, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	nonce := decode(t, w)["nonce"].(string)

	signature, err := eth.SignMessage(nonce, key)
	require.NoError(t, err)

	w = s.do(t, http.MethodPost, "/api/login-metamask", gin.H{"address": address, "signature": signature}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	token := decode(t, w)["token"].(string)
	assert.Equal(t, cookie.Value, token)
	return token
}

func validConfigBody() gin.H {
	return gin.H{
		"privateKey":    "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"walletAddress": "0x00000000000000000000000000000000000000d4",
		"webhookUrl":    "https://discord.com/api/webhooks/1/token",
		"tokens":        []string{"usdc", "weth"},
		"minSize":       2.5,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)
	w := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestNonce(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)

	w := s.do(t, http.MethodGet, "/api/nonce/0x00000000000000000000000000000000000000a1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(decode(t, w)["nonce"].(string), service.NoncePrefix))

	w = s.do(t, http.MethodGet, "/api/nonce/0x1234", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid Ethereum address", decode(t, w)["error"])
}

func TestWalletLogin(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	t.Run("success", func(t *testing.T) {
		token := s.walletLogin(t, key)
		w := s.do(t, http.MethodGet, "/api/status", nil, token)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/login-metamask", gin.H{"address": address}, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Address and signature required", decode(t, w)["error"])
	})

	t.Run("no nonce", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/login-metamask", gin.H{"address": address, "signature": "0x00"}, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong signer", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/nonce/"+address, nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		nonce := decode(t, w)["nonce"].(string)

		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		signature, err := eth.SignMessage(nonce, other)
		require.NoError(t, err)

		w = s.do(t, http.MethodPost, "/api/login-metamask", gin.H{"address": address, "signature": signature}, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Signature verification failed", decode(t, w)["error"])
	})
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/setConfig"},
		{http.MethodGet, "/api/getConfig"},
		{http.MethodPost, "/api/stopTracking"},
		{http.MethodGet, "/api/status"},
		{http.MethodGet, "/api/events"},
	} {
		w := s.do(t, route.method, route.path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, route.path)

		w = s.do(t, route.method, route.path, nil, "forged")
		assert.Equal(t, http.StatusUnauthorized, w.Code, route.path)
	}
}

func TestLogout(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token := s.walletLogin(t, key)

	w := s.do(t, http.MethodPost, "/api/logout", nil, token)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/status", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Logging out without a session is harmless
	w = s.do(t, http.MethodPost, "/api/logout", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTestLogin(t *testing.T) {
	t.Run("not routed when disabled", func(t *testing.T) {
		s := newTestServer(t, service.TestLogin{Username: "admin", Password: "secret"}, false)
		w := s.do(t, http.MethodPost, "/api/test-login", gin.H{"username": "admin", "password": "secret"}, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		s := newTestServer(t, service.TestLogin{Enabled: true, Username: "admin", Password: "secret"}, false)

		w := s.do(t, http.MethodPost, "/api/test-login", gin.H{"username": "admin", "password": "nope"}, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = s.do(t, http.MethodPost, "/api/test-login", gin.H{"username": "admin", "password": "secret"}, "")
		require.Equal(t, http.StatusOK, w.Code)
		token := decode(t, w)["token"].(string)

		w = s.do(t, http.MethodPost, "/api/setConfig", validConfigBody(), token)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		_, ok := s.registry.Get(core.TestIdentity)
		assert.True(t, ok)
	})
}

func TestConfigLifecycle(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token := s.walletLogin(t, key)
	identity := core.NormalizeIdentity(crypto.PubkeyToAddress(key.PublicKey).Hex())

	w := s.do(t, http.MethodGet, "/api/getConfig", nil, token)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Configuration not found", decode(t, w)["error"])

	w = s.do(t, http.MethodPost, "/api/setConfig", validConfigBody(), token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, ok := s.registry.Get(identity)
	assert.True(t, ok)

	w = s.do(t, http.MethodGet, "/api/getConfig", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode(t, w)
	assert.Equal(t, validConfigBody()["privateKey"], cfg["privateKey"])
	assert.Equal(t, []any{"USDC", "WETH"}, cfg["tokens"])
	assert.Equal(t, 2.5, cfg["minSize"])
	assert.Equal(t, true, cfg["active"])

	w = s.do(t, http.MethodGet, "/api/status", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, true, status["active"])
	assert.Equal(t, true, status["running"])

	w = s.do(t, http.MethodPost, "/api/stopTracking", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = s.registry.Get(identity)
	assert.False(t, ok)

	w = s.do(t, http.MethodGet, "/api/status", nil, token)
	status = decode(t, w)
	assert.Equal(t, false, status["active"])
	assert.Equal(t, false, status["running"])
}

func TestSetConfigErrors(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token := s.walletLogin(t, key)

	body := validConfigBody()
	body["minSize"] = 0
	w := s.do(t, http.MethodPost, "/api/setConfig", body, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "minSize must be a positive number", resp["error"])
	assert.Equal(t, "minSize", resp["field"])

	body = validConfigBody()
	body["tokens"] = []any{"USDC", 5}
	w = s.do(t, http.MethodPost, "/api/setConfig", body, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "tokens", decode(t, w)["field"])

	s.starter.mu.Lock()
	s.starter.fail = true
	s.starter.mu.Unlock()
	w = s.do(t, http.MethodPost, "/api/setConfig", validConfigBody(), token)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to save config or start monitoring", decode(t, w)["error"])
}

func TestGetConfigRedaction(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, true)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token := s.walletLogin(t, key)

	w := s.do(t, http.MethodPost, "/api/setConfig", validConfigBody(), token)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/getConfig", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", decode(t, w)["privateKey"])
}

func TestAdminPage(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)

	w := s.do(t, http.MethodGet, "/admin.html", nil, "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/test-login.html", w.Header().Get("Location"))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token := s.walletLogin(t, key)

	w = s.do(t, http.MethodGet, "/admin.html", nil, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admin")

	w = s.do(t, http.MethodGet, "/test-login.html", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "login")
}

func TestRecoveryHidesPanics(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(slog.New(slog.NewTextHandler(io.Discard, nil))))
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "kaboom")
}

func TestBearerTokenAccepted(t *testing.T) {
	s := newTestServer(t, service.TestLogin{}, false)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token := s.walletLogin(t, key)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses the server-sent events of body until it ends
func readEvents(body io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		var ev sseEvent
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev.name != "" {
					out <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "event:"):
				ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, stream <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-stream:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return sseEvent{}
	}
}

func TestEventStream(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, service.TestLogin{}, false)
	server := httptest.NewServer(s.router)
	defer server.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token := s.walletLogin(t, key)
	identity := core.NormalizeIdentity(crypto.PubkeyToAddress(key.PublicKey).Hex())

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/events", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	stream := readEvents(resp.Body)
	assert.Equal(t, "ready", nextEvent(t, stream).name)

	require.NoError(t, s.events.PublishMonitorState(ctx, "0x00000000000000000000000000000000000000b2", core.MonitorFailed))
	require.NoError(t, s.events.PublishMonitorState(ctx, identity, core.MonitorStarted))

	ev := nextEvent(t, stream)
	assert.Equal(t, events.FeedMonitor, ev.name)
	var state events.MonitorEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &state))
	assert.Equal(t, identity.String(), state.Identity)
	assert.Equal(t, core.MonitorStarted, state.State)

	w := s.do(t, http.MethodPost, "/api/logout", nil, token)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "logout", nextEvent(t, stream).name)
	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream stayed open after logout")
	}
}
