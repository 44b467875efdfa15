package models

import (
	"time"
)

// ChallengePurpose is the ceremony a challenge was issued for
type ChallengePurpose string

const (
	ChallengePurposeRegistration ChallengePurpose = "registration"
	ChallengePurposeAssertion    ChallengePurpose = "assertion"
)

// Challenge is an issued WebAuthn ceremony nonce. It is consumed at most once.
type Challenge struct {
	Value       []byte
	Purpose     ChallengePurpose
	PrincipalID string // empty for discoverable assertions and new-account registrations

	// Pending account for passwordless registration; the principal is only
	// created once the ceremony completes.
	UserHandle  []byte
	Username    string
	DisplayName string

	UserVerificationRequired bool
	CreatedAt                time.Time
	ExpiresAt                time.Time
}

// IsExpired checks if the challenge has expired at the given instant
func (c *Challenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
