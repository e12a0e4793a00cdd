// Package notifier delivers detected fills to the webhook of their configuration.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/layer-3/fillwatch/adapters/events"
	"github.com/layer-3/fillwatch/core"
)

const handlerName = "fillwatch.notifier"

// Config bounds webhook delivery. A fill still undelivered after MaxRetries
// retries is moved to events.TopicFillsFailed.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
	// HTTPClient overrides the default client built from Timeout
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// Notifier consumes fill events and posts them to webhooks
type Notifier struct {
	router *message.Router
	client *http.Client
	logger *slog.Logger
}

// New creates a notifier reading fills from subscriber. Fills that exhaust
// their retries are published to the failed fills topic on poison.
func New(subscriber message.Subscriber, poison message.Publisher, cfg Config, logger *slog.Logger) (*Notifier, error) {
	cfg = cfg.withDefaults()
	wmLogger := watermill.NewSlogLogger(logger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	poisonQueue, err := middleware.PoisonQueue(poison, events.TopicFillsFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to create poison queue: %w", err)
	}

	n := &Notifier{
		router: router,
		client: cfg.HTTPClient,
		logger: logger,
	}

	router.AddMiddleware(
		poisonQueue,
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.InitialInterval,
			MaxInterval:     cfg.MaxInterval,
			Multiplier:      2,
			Logger:          wmLogger,
		}.Middleware,
		middleware.Recoverer,
	)
	router.AddNoPublisherHandler(handlerName, events.TopicFills, subscriber, n.handle)

	return n, nil
}

// Run delivers fills until ctx is done
func (n *Notifier) Run(ctx context.Context) error {
	return n.router.Run(ctx)
}

// Running is closed once the notifier consumes fills
func (n *Notifier) Running() <-chan struct{} {
	return n.router.Running()
}

// permanentError marks a delivery that no retry can fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (n *Notifier) handle(msg *message.Message) error {
	var fill core.Fill
	if err := json.Unmarshal(msg.Payload, &fill); err != nil {
		n.logger.Error("dropping malformed fill event", "message_id", msg.UUID, "error", err)
		return nil
	}

	err := n.deliver(msg.Context(), fill)
	var permanent *permanentError
	switch {
	case errors.As(err, &permanent):
		n.logger.Error("dropping undeliverable fill notification",
			"identity", fill.Identity,
			"tx", fill.TxHash,
			"error", err)
		return nil
	case err != nil:
		n.logger.Warn("failed to deliver fill notification",
			"identity", fill.Identity,
			"tx", fill.TxHash,
			"error", err)
		return err
	}

	n.logger.Info("fill notification delivered", "identity", fill.Identity, "asset", fill.Asset, "amount", fill.Amount)
	return nil
}

type webhookMessage struct {
	Content string `json:"content"`
}

func (n *Notifier) deliver(ctx context.Context, fill core.Fill) error {
	body, err := json.Marshal(webhookMessage{Content: FormatFill(fill)})
	if err != nil {
		return &permanentError{err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fill.NotifyEndpoint, bytes.NewReader(body))
	if err != nil {
		return &permanentError{fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case retryable(resp.StatusCode):
		return fmt.Errorf("webhook answered %s", resp.Status)
	default:
		return &permanentError{fmt.Errorf("webhook rejected notification: %s", resp.Status)}
	}
}

// retryable reports whether a failed webhook answer may succeed later
func retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// FormatFill renders the plain text notification of a fill
func FormatFill(fill core.Fill) string {
	return fmt.Sprintf("Fill detected: %s %s received by %s from %s (tx %s, block %d)",
		fill.Amount, fill.Asset, fill.To, fill.From, fill.TxHash, fill.BlockNumber)
}
