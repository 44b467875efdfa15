package handlers

import (
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
)

// Authentication DTOs

// RegisterRequest is the request body for password registration
type RegisterRequest struct {
	Identifier string `json:"identifier" validate:"required,max=255"`
	Name       string `json:"name" validate:"max=255"`
	Password   string `json:"password" validate:"required"`
}

// LoginRequest is the request body for password login
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=255"`
	Password   string `json:"password" validate:"required"`
}

// PasskeyRegistrationOptionsRequest starts a passwordless registration
type PasskeyRegistrationOptionsRequest struct {
	Identifier string `json:"identifier" validate:"required,max=255"`
	Name       string `json:"name" validate:"max=255"`
}

// PrincipalResponse describes the authenticated principal
type PrincipalResponse struct {
	ID                     string `json:"id"`
	Username               string `json:"username"`
	Name                   string `json:"name,omitempty"`
	HasPassword            bool   `json:"has_password"`
	RecoveryCodesRemaining int    `json:"recovery_codes_remaining"`
}

// LoginResponse is returned by every operation that can end in a session
type LoginResponse struct {
	Outcome                  string             `json:"outcome"`
	Principal                *PrincipalResponse `json:"principal,omitempty"`
	SessionToken             string             `json:"session_token,omitempty"`
	ExpiresAt                *time.Time         `json:"expires_at,omitempty"`
	MultiFactorToken         string             `json:"multi_factor_token,omitempty"`
	AvailableCredentialTypes []string           `json:"available_credential_types,omitempty"`
}

// Multi-factor DTOs

// MultiFactorOptionsRequest asks for a passkey challenge for the second factor
type MultiFactorOptionsRequest struct {
	MultiFactorToken string `json:"multi_factor_token" validate:"required"`
}

// TOTPChallengeRequest completes a login with a one-time code
type TOTPChallengeRequest struct {
	MultiFactorToken string `json:"multi_factor_token" validate:"required"`
	Code             string `json:"code" validate:"required,max=20"`
}

// PublicKeyChallengeRequest completes a login with a passkey assertion
type PublicKeyChallengeRequest struct {
	MultiFactorToken string                     `json:"multi_factor_token" validate:"required"`
	Credential       webauthn.AssertionResponse `json:"credential"`
}

// Account recovery DTOs

// RecoveryRequest asks for a recovery link
type RecoveryRequest struct {
	Identifier string `json:"identifier" validate:"required,max=255"`
}

// RecoveryChallengeRequest completes recovery with a recovery code
type RecoveryChallengeRequest struct {
	Identifier string `json:"identifier" validate:"required,max=255"`
	Token      string `json:"token" validate:"required"`
	Code       string `json:"code" validate:"required,max=64"`
}

// Sudo mode DTOs

// SudoPasswordRequest confirms sudo mode with the password
type SudoPasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

// SudoStatusResponse describes the elevation state of the session
type SudoStatusResponse struct {
	Elevated                 bool     `json:"elevated"`
	ExpiresInSeconds         int      `json:"expires_in_seconds"`
	HasPassword              bool     `json:"has_password"`
	AvailableCredentialTypes []string `json:"available_credential_types"`
}

// Credential management DTOs

// CredentialNameRequest names a new credential
type CredentialNameRequest struct {
	Name string `json:"name" validate:"max=255"`
}

// FinishCredentialRegistrationRequest stores a new passkey
type FinishCredentialRegistrationRequest struct {
	Name       string                        `json:"name" validate:"max=255"`
	Credential webauthn.RegistrationResponse `json:"credential"`
}

// ConfirmTOTPRequest enables a pending TOTP credential
type ConfirmTOTPRequest struct {
	Code string `json:"code" validate:"required,max=20"`
}

// ChangePasswordRequest replaces the password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// CredentialResponse describes one multi-factor credential
type CredentialResponse struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	Confirmed  bool       `json:"confirmed"`
	Transports []string   `json:"transports,omitempty"`
	Attachment string     `json:"attachment,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CredentialResultResponse is a newly usable credential, with recovery codes
// when enabling it generated the first set
type CredentialResultResponse struct {
	Credential    CredentialResponse `json:"credential"`
	RecoveryCodes []string           `json:"recovery_codes,omitempty"`
}

// TOTPEnrollmentResponse carries the provisioning data of a pending TOTP credential
type TOTPEnrollmentResponse struct {
	Credential      CredentialResponse `json:"credential"`
	Secret          string             `json:"secret"`
	ProvisioningURL string             `json:"provisioning_url"`
	QRCode          string             `json:"qr_code"` // Data URL for QR code
}

// RecoveryCodesResponse lists freshly generated recovery codes
type RecoveryCodesResponse struct {
	RecoveryCodes []string `json:"recovery_codes"`
}

// EventResponse is one entry of a principal's authentication history
type EventResponse struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Success        bool      `json:"success"`
	CredentialType string    `json:"credential_type,omitempty"`
	Action         string    `json:"action,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func toLoginResponse(result *services.LoginResult) *LoginResponse {
	resp := &LoginResponse{Outcome: string(result.Outcome)}

	switch result.Outcome {
	case services.OutcomeAuthenticated:
		resp.Principal = toPrincipalResponse(result.Principal)
		if result.Session != nil {
			resp.SessionToken = result.Session.Token
			expiresAt := result.Session.ExpiresAt
			resp.ExpiresAt = &expiresAt
		}
	case services.OutcomeMultiFactorRequired:
		if result.MultiFactorToken != nil {
			resp.MultiFactorToken = result.MultiFactorToken.Token
			expiresAt := result.MultiFactorToken.ExpiresAt
			resp.ExpiresAt = &expiresAt
		}
		resp.AvailableCredentialTypes = credentialTypeStrings(result.AvailableCredentialTypes)
	}
	return resp
}

func toPrincipalResponse(p *models.Principal) *PrincipalResponse {
	if p == nil {
		return nil
	}
	return &PrincipalResponse{
		ID:                     p.ID,
		Username:               p.Email,
		Name:                   p.Name,
		HasPassword:            p.HasPassword(),
		RecoveryCodesRemaining: len(p.RecoveryCodeHashes),
	}
}

func toSudoStatusResponse(status *services.SudoStatus) *SudoStatusResponse {
	return &SudoStatusResponse{
		Elevated:                 status.Elevated,
		ExpiresInSeconds:         int(status.ExpiresIn / time.Second),
		HasPassword:              status.HasPassword,
		AvailableCredentialTypes: credentialTypeStrings(status.AvailableCredentialTypes),
	}
}

func toCredentialResponse(c *models.Credential) CredentialResponse {
	return CredentialResponse{
		ID:         c.ID,
		Type:       string(c.Type),
		Name:       c.Name,
		Confirmed:  c.Type == models.CredentialTypePublicKey || c.Confirmed,
		Transports: c.Transports,
		Attachment: c.Attachment,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
	}
}

func toEventResponse(e *models.Event) EventResponse {
	return EventResponse{
		ID:             e.ID,
		Type:           string(e.Type),
		Success:        !e.IsFailure(),
		CredentialType: string(e.CredentialType),
		Action:         e.Action,
		Reason:         e.Reason,
		IPAddress:      e.Request.IPAddress,
		UserAgent:      e.Request.UserAgent,
		OccurredAt:     e.OccurredAt,
	}
}

func credentialTypeStrings(types []models.CredentialType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
