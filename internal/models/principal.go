package models

import (
	"time"
)

// Principal is the identity being authenticated
type Principal struct {
	ID                 string
	Email              string // username field value: an email address or a handle, per IdentificationPolicy
	Name               string
	PasswordHash       string   // empty for passkey-only accounts
	RecoveryCodeHashes []string // SHA-256 of each unused code; nil when recovery codes were never configured
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PasswordChangedAt  *time.Time
}

// HasPassword reports whether password login is possible for this principal
func (p *Principal) HasPassword() bool {
	return p.PasswordHash != ""
}

// HasRecoveryCodes reports whether recovery-by-code is available
func (p *Principal) HasRecoveryCodes() bool {
	return len(p.RecoveryCodeHashes) > 0
}
