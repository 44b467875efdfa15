package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// ErrInfrastructure marks a collaborator (repository, clock, token signer) being
	// unavailable. It is never an authentication outcome.
	ErrInfrastructure = errors.New("infrastructure failure")
)

// Authentication outcome errors
var (
	ErrValidation          = errors.New("validation failed")
	ErrRateLimited         = errors.New("too many attempts")
	ErrInvalidCredential   = errors.New("invalid credentials")
	ErrNotElevated         = errors.New("sudo mode confirmation required")
	ErrInvalidRecoveryLink = errors.New("the given identifier and recovery token combination are invalid")

	// WebAuthn failures look like ErrInvalidCredential to callers that only
	// check the outer category, but stay distinguishable for diagnostics.
	ErrInvalidCeremony           = fmt.Errorf("%w: invalid ceremony", ErrInvalidCredential)
	ErrChallengeNotFound         = fmt.Errorf("%w: challenge not found", ErrInvalidCredential)
	ErrChallengeExpired          = fmt.Errorf("%w: challenge expired", ErrInvalidCredential)
	ErrPossibleCredentialCloning = fmt.Errorf("%w: possible credential cloning", ErrInvalidCredential)
)

// ValidationError reports malformed input. No state is mutated when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RateLimitedError is returned when a gated action is locked out
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many %s attempts, retry in %d seconds", e.Action, e.RetryAfterSeconds())
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// RetryAfterSeconds rounds the remaining lockout up to whole seconds
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Infrastructure wraps a collaborator failure so the outer layer can tell it
// apart from any authentication outcome.
func Infrastructure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}
