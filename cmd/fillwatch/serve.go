package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/fillwatch/adapters/events"
	"github.com/layer-3/fillwatch/adapters/monitor"
	"github.com/layer-3/fillwatch/adapters/store"
	"github.com/layer-3/fillwatch/adapters/tokenizer"
	"github.com/layer-3/fillwatch/internal/config"
	"github.com/layer-3/fillwatch/notifier"
	"github.com/layer-3/fillwatch/ports"
	"github.com/layer-3/fillwatch/service"
	transport "github.com/layer-3/fillwatch/transport/http"
	"github.com/redis/go-redis/v9"
)

const notifierGroup = "fillwatch-notifier"

// backends are the stores and pub/sub selected by redis.url. subscriber
// shares fills among notifier replicas; feedSubscriber hands every event to
// every replica.
type backends struct {
	nonces         ports.NonceStore
	sessions       ports.SessionStore
	publisher      message.Publisher
	subscriber     message.Subscriber
	feedSubscriber message.Subscriber
	closers        []func() error
}

func (b *backends) close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("failed to close backend", "error", err)
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, wmLogger watermill.LoggerAdapter) (*backends, error) {
	if cfg.Redis.URL == "" {
		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
		return &backends{
			nonces:         store.NewMemoryNonceStore(cfg.Auth.NonceTTL, nil),
			sessions:       store.NewMemorySessionStore(),
			publisher:      pubSub,
			subscriber:     pubSub,
			feedSubscriber: pubSub,
			closers:        []func() error{pubSub.Close},
		}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redisClient,
		},
		wmLogger,
	)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}

	subscriber, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:        redisClient,
			ConsumerGroup: notifierGroup,
		},
		wmLogger,
	)
	if err != nil {
		_ = publisher.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to create redis subscriber: %w", err)
	}

	// No consumer group: every replica reads every event
	feedSubscriber, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client: redisClient,
		},
		wmLogger,
	)
	if err != nil {
		_ = subscriber.Close()
		_ = publisher.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to create redis feed subscriber: %w", err)
	}

	return &backends{
		nonces:         store.NewRedisNonceStore(redisClient, cfg.Auth.NonceTTL),
		sessions:       store.NewRedisSessionStore(redisClient),
		publisher:      publisher,
		subscriber:     subscriber,
		feedSubscriber: feedSubscriber,
		closers:        []func() error{redisClient.Close, publisher.Close, subscriber.Close, feedSubscriber.Close},
	}, nil
}

// goSafe runs fn on its own goroutine and logs a panic instead of letting
// it take the process down
func goSafe(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("background task panicked",
					"task", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

func runServe(ctx context.Context, configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sessions do not survive a restart of a node that generated its own key
	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate session key: %w", err)
	}

	configs, err := store.OpenSQLiteConfigStore(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer configs.Close()

	wmLogger := watermill.NewSlogLogger(logger)
	b, err := openBackends(ctx, cfg, wmLogger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	eventPub := events.NewWatermillPublisher(b.publisher)

	starter, err := monitor.NewEVMStarter(
		cfg.Chain.NodeURL,
		cfg.Chain.DialTimeout,
		cfg.Chain.Assets,
		cfg.Chain.AssetDecimals,
		eventPub,
		logger,
	)
	if err != nil {
		return err
	}

	authService := service.NewAuthService(b.nonces, service.TestLogin{
		Enabled:  cfg.Auth.TestLogin.Enabled,
		Username: cfg.Auth.TestLogin.Username,
		Password: cfg.Auth.TestLogin.Password,
	}, logger)
	binder := service.NewSessionBinder(tokenizer.NewJWTTokenizer(signKey), b.sessions, eventPub, cfg.Auth.SessionTTL, logger)
	registry := service.NewMonitorRegistry(configs, starter, service.NewConfigValidator(cfg.Validation.NotifyPrefixes), eventPub, logger)
	defer registry.Shutdown()

	restored, err := registry.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore monitors", "error", err)
	} else {
		logger.Info("monitors restored", "count", restored)
	}

	n, err := notifier.New(b.subscriber, b.publisher, notifier.Config{
		MaxRetries:      cfg.Notifier.MaxRetries,
		InitialInterval: cfg.Notifier.InitialInterval,
		MaxInterval:     cfg.Notifier.MaxInterval,
		Timeout:         cfg.Notifier.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	feed := events.NewFeed(b.feedSubscriber, logger)

	sweeper := service.NewNonceSweeper(b.nonces, cfg.Auth.SweepInterval, logger)
	goSafe(logger, "nonce sweeper", func() { sweeper.Run(ctx) })
	goSafe(logger, "notifier", func() {
		if err := n.Run(ctx); err != nil {
			logger.Error("notifier stopped", "error", err)
		}
	})
	goSafe(logger, "event feed", func() {
		if err := feed.Run(ctx); err != nil {
			logger.Error("event feed stopped", "error", err)
		}
	})

	gin.SetMode(gin.ReleaseMode)
	router := transport.SetupRouter(authService, binder, registry, feed, transport.RouterConfig{
		PublicDir:        cfg.Server.PublicDir,
		CookieSecure:     cfg.Auth.CookieSecure,
		SessionTTL:       cfg.Auth.SessionTTL,
		RedactSigningKey: cfg.API.RedactSigningKey,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown did not finish: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
