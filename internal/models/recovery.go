package models

import (
	"time"
)

// RecoveryToken proves an account recovery request. Only the SHA-256 hash of
// the emailed token is stored.
type RecoveryToken struct {
	PrincipalID string
	TokenHash   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// IsExpired checks if the token has expired at the given instant
func (t *RecoveryToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RecentlyCreated reports whether the token was created within the throttle window
func (t *RecoveryToken) RecentlyCreated(now time.Time, throttle time.Duration) bool {
	if throttle <= 0 {
		return false
	}
	return now.Before(t.CreatedAt.Add(throttle))
}
