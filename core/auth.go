package core

import "time"

// Challenge represents a pending login nonce for an identity
type Challenge struct {
	Identity Identity  // Identity the nonce was issued to
	Message  string    // Message the wallet has to sign
	IssuedAt time.Time // When the nonce was issued
}

// Expired reports whether the challenge is older than ttl at now
func (c Challenge) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.IssuedAt) > ttl
}

// Session represents an authenticated session bound to an identity
type Session struct {
	ID        string    // Unique session identifier
	Identity  Identity  // Wallet address or the test identity
	IssuedAt  time.Time // When the session was created
	ExpiresAt time.Time // When the session expires
}
