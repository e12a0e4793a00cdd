package ports

import (
	"context"
	"time"

	"github.com/layer-3/fillwatch/core"
)

// NonceStore keeps at most one pending challenge per identity
type NonceStore interface {
	// Put stores the challenge, replacing any pending one for the same identity
	Put(ctx context.Context, challenge core.Challenge) error
	// Consume returns and removes the pending challenge, or core.ErrChallengeNotFound
	Consume(ctx context.Context, identity core.Identity) (core.Challenge, error)
	// Sweep removes challenges issued more than the store TTL before now
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SessionStore keeps the live session records
type SessionStore interface {
	SaveSession(ctx context.Context, session core.Session) error
	GetSession(ctx context.Context, id string) (core.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// ConfigStore persists one configuration per identity
type ConfigStore interface {
	// Upsert inserts or replaces the configuration of cfg.Identity
	Upsert(ctx context.Context, cfg core.Configuration) error
	// Get returns the configuration, or core.ErrConfigNotFound
	Get(ctx context.Context, identity core.Identity) (core.Configuration, error)
	// SetActive updates the desired monitoring state; unknown identities are a no-op
	SetActive(ctx context.Context, identity core.Identity, active bool) error
	// ListActive returns every configuration with active set
	ListActive(ctx context.Context) ([]core.Configuration, error)
}
