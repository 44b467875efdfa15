package models

import (
	"time"
)

// EventType names a domain event emitted by the authentication engine
type EventType string

const (
	EventRegistered                 EventType = "registered"
	EventAuthenticated              EventType = "authenticated"
	EventAuthenticationFailed       EventType = "authentication_failed"
	EventLockout                    EventType = "lockout"
	EventMultiFactorChallenged      EventType = "multi_factor_challenged"
	EventMultiFactorChallengeFailed EventType = "multi_factor_challenge_failed"
	EventSudoModeEnabled            EventType = "sudo_mode_enabled"
	EventAccountRecovered           EventType = "account_recovered"
	EventAccountRecoveryFailed      EventType = "account_recovery_failed"
	EventPasswordChanged            EventType = "password_changed"
)

// RequestContext carries caller metadata from the outer layer
type RequestContext struct {
	IPAddress string
	UserAgent string
	SessionID string
}

// Event is a domain event with its principal and request context
type Event struct {
	ID             string // assigned when persisted
	Type           EventType
	PrincipalID    string // empty when the principal could not be resolved
	Username       string
	CredentialType CredentialType
	Action         string // rate-limited action for lockout events
	Reason         string
	Request        RequestContext
	OccurredAt     time.Time
}

// IsFailure reports whether the event records a failed or refused attempt
func (e Event) IsFailure() bool {
	switch e.Type {
	case EventAuthenticationFailed, EventLockout, EventMultiFactorChallengeFailed, EventAccountRecoveryFailed:
		return true
	}
	return false
}
