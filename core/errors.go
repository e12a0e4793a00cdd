package core

import "errors"

var (
	ErrInvalidIdentity   = errors.New("invalid ethereum address")
	ErrChallengeNotFound = errors.New("nonce not found or expired")
	ErrSignatureMismatch = errors.New("signature verification failed")
	ErrValidation        = errors.New("invalid configuration")
	ErrMonitorStart      = errors.New("failed to start monitor")
	ErrPersistence       = errors.New("persistence failure")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConfigNotFound    = errors.New("configuration not found")
	ErrTestLoginDisabled = errors.New("test login is disabled")
	ErrSessionNotFound   = errors.New("session not found")
	ErrTokenExpired      = errors.New("token has expired")
	ErrInvalidToken      = errors.New("invalid token")
)

// ValidationError reports the first configuration field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
