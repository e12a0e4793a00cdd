package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/ports"
)

// SessionBinder binds verified identities to session tokens. A token is
// honoured only while its session record exists in the store.
type SessionBinder struct {
	tokenizer ports.Tokenizer
	store     ports.SessionStore
	eventPub  ports.EventPublisher
	logger    *slog.Logger

	sessionTTL time.Duration
}

// NewSessionBinder creates a new session binder
func NewSessionBinder(
	tokenizer ports.Tokenizer,
	store ports.SessionStore,
	eventPub ports.EventPublisher,
	sessionTTL time.Duration,
	logger *slog.Logger,
) *SessionBinder {
	return &SessionBinder{
		tokenizer:  tokenizer,
		store:      store,
		eventPub:   eventPub,
		logger:     logger,
		sessionTTL: sessionTTL,
	}
}

// Bind creates a session for identity and returns its token
func (b *SessionBinder) Bind(ctx context.Context, identity core.Identity) (string, *core.Session, error) {
	now := time.Now()
	session := &core.Session{
		ID:        uuid.New().String(),
		Identity:  identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(b.sessionTTL),
	}

	if err := b.store.SaveSession(ctx, *session); err != nil {
		return "", nil, fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	token, err := b.tokenizer.SessionToToken(session)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session token: %w", err)
	}

	return token, session, nil
}

// CurrentIdentity resolves the identity bound to token
func (b *SessionBinder) CurrentIdentity(ctx context.Context, token string) (core.Identity, error) {
	session, err := b.CurrentSession(ctx, token)
	if err != nil {
		return "", err
	}
	return session.Identity, nil
}

// CurrentSession resolves the stored session behind token
func (b *SessionBinder) CurrentSession(ctx context.Context, token string) (*core.Session, error) {
	if token == "" {
		return nil, core.ErrUnauthorized
	}

	claimed, err := b.tokenizer.TokenToSession(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrUnauthorized, err)
	}

	session, err := b.store.GetSession(ctx, claimed.ID)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %w", core.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	if session.Identity != claimed.Identity {
		return nil, core.ErrUnauthorized
	}

	return &session, nil
}

// Unbind destroys the session behind token. Unknown or expired tokens have
// nothing to destroy and are not an error.
func (b *SessionBinder) Unbind(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	session, err := b.tokenizer.TokenToSession(token)
	if err != nil {
		return nil
	}

	if err := b.store.DeleteSession(ctx, session.ID); err != nil {
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	if b.eventPub != nil {
		if err := b.eventPub.PublishLogout(ctx, session.Identity, session.ID); err != nil {
			// The session is already gone, which is the critical part
			b.logger.Warn("failed to publish logout event", "identity", session.Identity, "error", err)
		}
	}

	return nil
}
