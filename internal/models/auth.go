package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types
const (
	TokenTypeSession     = "session"
	TokenTypeMultiFactor = "multi_factor"
)

type TokenClaims struct {
	Type        string `json:"type"`
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email,omitempty"`
	SessionID   string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// NotificationKind names a message sent through the NotificationDispatcher
type NotificationKind string

const (
	NotificationAccountRecovery NotificationKind = "account_recovery"
	NotificationLockout         NotificationKind = "lockout"
	NotificationPasswordChanged NotificationKind = "password_changed"
)
