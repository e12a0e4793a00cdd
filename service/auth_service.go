package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/internal/eth"
	"github.com/layer-3/fillwatch/ports"
)

// NoncePrefix starts every login message handed out to wallets
const NoncePrefix = "Login nonce: "

// TestLogin holds the fixed credentials of the fallback login. It is only
// honoured when Enabled is set.
type TestLogin struct {
	Enabled  bool
	Username string
	Password string
}

// AuthService handles wallet authentication business logic
type AuthService struct {
	nonces    ports.NonceStore
	testLogin TestLogin
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthService creates a new authentication service
func NewAuthService(nonces ports.NonceStore, testLogin TestLogin, logger *slog.Logger) *AuthService {
	return &AuthService{
		nonces:    nonces,
		testLogin: testLogin,
		logger:    logger,
		now:       time.Now,
	}
}

// IssueNonce generates a fresh challenge for address, replacing any pending one
func (s *AuthService) IssueNonce(ctx context.Context, address string) (string, error) {
	identity, err := core.ParseIdentity(address)
	if err != nil {
		return "", err
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	challenge := core.Challenge{
		Identity: identity,
		Message:  NoncePrefix + hex.EncodeToString(nonceBytes),
		IssuedAt: s.now(),
	}
	if err := s.nonces.Put(ctx, challenge); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	return challenge.Message, nil
}

// Login verifies that signature was produced by address over its pending
// nonce. The nonce is consumed before verification, so a failed attempt
// cannot be retried with another signature.
func (s *AuthService) Login(ctx context.Context, address, signature string) (core.Identity, error) {
	identity, err := core.ParseIdentity(address)
	if err != nil {
		return "", err
	}

	challenge, err := s.nonces.Consume(ctx, identity)
	if err != nil {
		if errors.Is(err, core.ErrChallengeNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	recovered, err := eth.RecoverAddress(challenge.Message, signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSignatureMismatch, err)
	}

	if core.NormalizeIdentity(recovered.Hex()) != identity {
		s.logger.Warn("signature recovered a different address",
			"identity", identity,
			"recovered", recovered.Hex())
		return "", core.ErrSignatureMismatch
	}

	return identity, nil
}

// TestLoginEnabled reports whether the credential fallback is available
func (s *AuthService) TestLoginEnabled() bool {
	return s.testLogin.Enabled && s.testLogin.Username != "" && s.testLogin.Password != ""
}

// TestLogin checks the fixed credentials and yields the test identity
func (s *AuthService) TestLogin(username, password string) (core.Identity, error) {
	if !s.TestLoginEnabled() {
		return "", core.ErrTestLoginDisabled
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.testLogin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.testLogin.Password)) == 1
	if !userOK || !passOK {
		return "", core.ErrUnauthorized
	}

	return core.TestIdentity, nil
}
