package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/ports"
	"github.com/redis/go-redis/v9"
)

type redisChallenge struct {
	Message  string    `json:"message"`
	IssuedAt time.Time `json:"issued_at"`
}

type redisSession struct {
	Identity  string    `json:"identity"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisNonceStore is a Redis implementation of the NonceStore interface.
// Redis expires the keys itself, so Sweep has nothing to do.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisNonceStore creates a new Redis nonce store
func NewRedisNonceStore(client *redis.Client, ttl time.Duration) ports.NonceStore {
	return &RedisNonceStore{
		client: client,
		prefix: "fillwatch:nonce:",
		ttl:    ttl,
	}
}

// Put stores the challenge with the nonce TTL
func (s *RedisNonceStore) Put(ctx context.Context, challenge core.Challenge) error {
	payload, err := json.Marshal(redisChallenge{
		Message:  challenge.Message,
		IssuedAt: challenge.IssuedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+challenge.Identity.String(), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	return nil
}

// Consume atomically reads and deletes the challenge
func (s *RedisNonceStore) Consume(ctx context.Context, identity core.Identity) (core.Challenge, error) {
	val, err := s.client.GetDel(ctx, s.prefix+identity.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Challenge{}, core.ErrChallengeNotFound
	}
	if err != nil {
		return core.Challenge{}, fmt.Errorf("failed to consume challenge: %w", err)
	}

	var stored redisChallenge
	if err := json.Unmarshal(val, &stored); err != nil {
		return core.Challenge{}, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	return core.Challenge{
		Identity: identity,
		Message:  stored.Message,
		IssuedAt: stored.IssuedAt,
	}, nil
}

// Sweep is a no-op because keys carry their own expiry
func (s *RedisNonceStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// RedisSessionStore is a Redis implementation of the SessionStore interface
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore creates a new Redis session store
func NewRedisSessionStore(client *redis.Client) ports.SessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "fillwatch:session:",
	}
}

// SaveSession stores the session until its expiry
func (s *RedisSessionStore) SaveSession(ctx context.Context, session core.Session) error {
	payload, err := json.Marshal(redisSession{
		Identity:  session.Identity.String(),
		IssuedAt:  session.IssuedAt,
		ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return core.ErrTokenExpired
	}

	if err := s.client.Set(ctx, s.prefix+session.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	return nil
}

// GetSession loads a live session
func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	val, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Session{}, core.ErrSessionNotFound
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	var stored redisSession
	if err := json.Unmarshal(val, &stored); err != nil {
		return core.Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return core.Session{
		ID:        id,
		Identity:  core.Identity(stored.Identity),
		IssuedAt:  stored.IssuedAt,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}

// DeleteSession removes the session key
func (s *RedisSessionStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}
