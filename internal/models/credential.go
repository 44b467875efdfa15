package models

import (
	"time"
)

// CredentialType follows the W3C credential type registry
type CredentialType string

const (
	CredentialTypeTOTP      CredentialType = "totp"
	CredentialTypePublicKey CredentialType = "public-key"

	// Only used to tag events; passwords are not stored as credentials
	CredentialTypePassword CredentialType = "password"
)

// Credential is a registered multi-factor credential. Password hashes live on
// the Principal and are not modeled here.
type Credential struct {
	ID          string
	PrincipalID string
	Type        CredentialType
	Name        string

	// public-key
	CredentialID []byte // opaque WebAuthn credential ID
	PublicKey    []byte // COSE_Key
	SignCount    uint32
	Transports   []string
	Attachment   string // "platform" or "cross-platform"
	AAGUID       []byte
	UserVerified bool // authenticator performed user verification at registration

	// totp
	SecretEncrypted []byte // AES-256-GCM encrypted base32 secret
	SecretNonce     []byte
	Confirmed       bool
	LastUsedStep    int64 // last accepted time step; codes at or before it are replays

	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// IsEnabled reports whether the credential can satisfy a multi-factor challenge
func (c *Credential) IsEnabled() bool {
	if c.Type == CredentialTypeTOTP {
		return c.Confirmed
	}
	return c.Type == CredentialTypePublicKey
}

// CounterAdvances reports whether an incoming signature counter is acceptable
// against the stored one. Authenticators that do not implement counters always
// report zero; only then is an unchanged value accepted.
func CounterAdvances(stored, incoming uint32) bool {
	if stored == 0 && incoming == 0 {
		return true
	}
	return incoming > stored
}

// EnabledCredentialTypes returns the distinct types of the enabled credentials
func EnabledCredentialTypes(creds []*Credential) []CredentialType {
	seen := make(map[CredentialType]bool)
	types := make([]CredentialType, 0, 2)
	for _, c := range creds {
		if !c.IsEnabled() || seen[c.Type] {
			continue
		}
		seen[c.Type] = true
		types = append(types, c.Type)
	}
	return types
}
