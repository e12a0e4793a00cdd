package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/ports"
)

// MemoryNonceStore is an in-memory implementation of the NonceStore interface
type MemoryNonceStore struct {
	challenges map[core.Identity]core.Challenge
	ttl        time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

// NewMemoryNonceStore creates a nonce store whose challenges live for ttl.
// A nil now uses time.Now.
func NewMemoryNonceStore(ttl time.Duration, now func() time.Time) ports.NonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{
		challenges: make(map[core.Identity]core.Challenge),
		ttl:        ttl,
		now:        now,
	}
}

// Put stores a challenge, overwriting the pending one for the identity
func (s *MemoryNonceStore) Put(ctx context.Context, challenge core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[challenge.Identity] = challenge
	return nil
}

// Consume removes and returns the pending challenge
func (s *MemoryNonceStore) Consume(ctx context.Context, identity core.Identity) (core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, exists := s.challenges[identity]
	if !exists {
		return core.Challenge{}, core.ErrChallengeNotFound
	}
	delete(s.challenges, identity)

	// An expired challenge the sweeper has not reached yet is still absent
	if challenge.Expired(s.now(), s.ttl) {
		return core.Challenge{}, core.ErrChallengeNotFound
	}

	return challenge, nil
}

// Sweep drops every challenge older than the TTL
func (s *MemoryNonceStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for identity, challenge := range s.challenges {
		if challenge.Expired(now, s.ttl) {
			delete(s.challenges, identity)
			removed++
		}
	}

	return removed, nil
}

// MemorySessionStore is an in-memory implementation of the SessionStore interface
type MemorySessionStore struct {
	sessions map[string]core.Session
	mu       sync.RWMutex
}

// NewMemorySessionStore creates a new in-memory session store
func NewMemorySessionStore() ports.SessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]core.Session),
	}
}

// SaveSession stores a session until it expires
func (s *MemorySessionStore) SaveSession(ctx context.Context, session core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = session

	// Drop the record once it expires unless it was replaced in the meantime
	time.AfterFunc(time.Until(session.ExpiresAt), func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if stored, exists := s.sessions[session.ID]; exists && !stored.ExpiresAt.After(session.ExpiresAt) {
			delete(s.sessions, session.ID)
		}
	})

	return nil
}

// GetSession returns a live session
func (s *MemorySessionStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists || time.Now().After(session.ExpiresAt) {
		return core.Session{}, core.ErrSessionNotFound
	}

	return session, nil
}

// DeleteSession removes a session
func (s *MemorySessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}
