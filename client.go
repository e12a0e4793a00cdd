// Package fillwatch is a Go client for the fillwatch HTTP API.
package fillwatch

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/fillwatch/internal/eth"
)

// Config is a monitoring configuration as exchanged with the server
type Config struct {
	PrivateKey    string   `json:"privateKey"`
	WalletAddress string   `json:"walletAddress"`
	WebhookURL    string   `json:"webhookUrl"`
	Tokens        []string `json:"tokens"`
	MinSize       float64  `json:"minSize"`
	Active        bool     `json:"active,omitempty"`
}

// Status reports the monitoring state of the signed in identity
type Status struct {
	Active    bool       `json:"active"`
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// APIError is a non-2xx answer of the server
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("fillwatch: %d %s (%s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("fillwatch: %d %s", e.StatusCode, e.Message)
}

// Client holds one session against a server. It is not safe for
// concurrent logins.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Token returns the current session token, if any
func (c *Client) Token() string {
	return c.token
}

// Login requests a nonce for the address of key, signs it and opens a session
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) error {
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	var nonce struct {
		Nonce string `json:"nonce"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/nonce/"+url.PathEscape(address), nil, &nonce); err != nil {
		return err
	}

	signature, err := eth.SignMessage(nonce.Nonce, key)
	if err != nil {
		return err
	}

	return c.login(ctx, "/api/login-metamask", map[string]string{
		"address":   address,
		"signature": signature,
	})
}

// TestLogin opens a session with the fixed test credentials
func (c *Client) TestLogin(ctx context.Context, username, password string) error {
	return c.login(ctx, "/api/test-login", map[string]string{
		"username": username,
		"password": password,
	})
}

func (c *Client) login(ctx context.Context, path string, body any) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// Logout destroys the session
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// SetConfig saves cfg and starts monitoring with it
func (c *Client) SetConfig(ctx context.Context, cfg Config) error {
	return c.do(ctx, http.MethodPost, "/api/setConfig", cfg, nil)
}

// GetConfig returns the saved configuration
func (c *Client) GetConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := c.do(ctx, http.MethodGet, "/api/getConfig", nil, &cfg)
	return cfg, err
}

// StopTracking stops monitoring
func (c *Client) StopTracking(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stopTracking", nil, nil)
}

// Status returns the monitoring state
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fillwatch: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error, Field: apiErr.Field}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
