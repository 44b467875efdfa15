package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
	"github.com/google/uuid"
)

// CredentialResult is a newly usable credential. RecoveryCodes is set when
// enabling the first credential generated them.
type CredentialResult struct {
	Credential    *models.Credential
	RecoveryCodes []string
}

// TOTPEnrollmentResult is a pending TOTP credential and its provisioning data
type TOTPEnrollmentResult struct {
	Credential      *models.Credential
	Secret          string
	ProvisioningURL string
	QRCodeDataURL   string
}

// ChangePasswordInput holds the fields of a password change
type ChangePasswordInput struct {
	CurrentPassword string
	NewPassword     string
}

// ListCredentials returns every multi-factor credential of the session principal
func (s *AuthService) ListCredentials(ctx context.Context, session Session) ([]*models.Credential, error) {
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return nil, err
	}

	creds, err := s.credentials.ListByPrincipal(ctx, session.PrincipalID)
	if err != nil {
		return nil, models.Infrastructure("list credentials", err)
	}
	return creds, nil
}

// BeginCredentialRegistration starts adding a passkey to the session principal
func (s *AuthService) BeginCredentialRegistration(ctx context.Context, session Session) (*webauthn.CreationOptions, error) {
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return nil, err
	}
	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}

	existing, err := s.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, models.Infrastructure("list credentials", err)
	}

	_, options, err := s.ceremony.BeginRegistration(ctx, webauthn.RegistrationParams{
		Principal: principal,
		Existing:  existing,
	})
	if err != nil {
		return nil, err
	}
	return options, nil
}

// FinishCredentialRegistration stores a verified passkey for the session principal
func (s *AuthService) FinishCredentialRegistration(ctx context.Context, session Session, name string, resp *webauthn.RegistrationResponse) (*CredentialResult, error) {
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return nil, err
	}
	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}

	cred, challenge, err := s.ceremony.FinishRegistration(ctx, resp)
	if err != nil {
		return nil, err
	}
	if challenge.PrincipalID != principal.ID {
		return nil, models.ErrInvalidCeremony
	}

	cred.ID = uuid.New().String()
	cred.Name = credentialName(name, s.config.PasskeyName)

	created, err := s.credentials.Create(ctx, cred)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrInvalidCeremony
		}
		return nil, models.Infrastructure("create credential", err)
	}

	codes, err := s.ensureRecoveryCodes(ctx, principal)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "public key credential registered",
		slog.String("principal_id", principal.ID),
		slog.String("credential_id", created.ID))
	return &CredentialResult{Credential: created, RecoveryCodes: codes}, nil
}

// BeginTOTPEnrollment stores an unconfirmed TOTP credential. It cannot satisfy
// a challenge until ConfirmTOTPEnrollment proves the authenticator has it.
func (s *AuthService) BeginTOTPEnrollment(ctx context.Context, session Session, name string) (*TOTPEnrollmentResult, error) {
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return nil, err
	}
	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}

	enrollment, err := s.totp.GenerateEnrollment(principal.Email)
	if err != nil {
		return nil, models.Infrastructure("generate totp secret", err)
	}

	created, err := s.credentials.Create(ctx, &models.Credential{
		ID:              uuid.New().String(),
		PrincipalID:     principal.ID,
		Type:            models.CredentialTypeTOTP,
		Name:            credentialName(name, "Authenticator app"),
		SecretEncrypted: enrollment.SecretEncrypted,
		SecretNonce:     enrollment.Nonce,
		CreatedAt:       s.clock.Now(),
	})
	if err != nil {
		return nil, models.Infrastructure("create credential", err)
	}

	return &TOTPEnrollmentResult{
		Credential:      created,
		Secret:          enrollment.Secret,
		ProvisioningURL: enrollment.ProvisioningURL,
		QRCodeDataURL:   enrollment.QRCodeDataURL,
	}, nil
}

// ConfirmTOTPEnrollment enables a pending TOTP credential once a valid code
// is presented. The accepted step cannot be used again to log in.
func (s *AuthService) ConfirmTOTPEnrollment(ctx context.Context, session Session, credentialID, code string) (*CredentialResult, error) {
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return nil, err
	}
	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}

	cred, err := s.ownedCredential(ctx, principal.ID, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.Type != models.CredentialTypeTOTP {
		return nil, models.ErrNotFound
	}
	if cred.Confirmed {
		return nil, &models.ValidationError{Field: "code", Message: "credential is already confirmed"}
	}

	secret, err := s.totp.DecryptSecret(cred.SecretEncrypted, cred.SecretNonce)
	if err != nil {
		return nil, models.Infrastructure("decrypt totp secret", err)
	}

	now := s.clock.Now()
	step, ok := s.totp.VerifyStep(secret, strings.TrimSpace(code), now)
	if !ok {
		return nil, &models.ValidationError{Field: "code", Message: "is invalid"}
	}

	if err := s.credentials.ConfirmTOTP(ctx, cred.ID, step, now); err != nil {
		return nil, models.Infrastructure("confirm totp credential", err)
	}
	cred.Confirmed = true
	cred.LastUsedStep = step

	codes, err := s.ensureRecoveryCodes(ctx, principal)
	if err != nil {
		return nil, err
	}
	return &CredentialResult{Credential: cred, RecoveryCodes: codes}, nil
}

// RemoveCredential deletes one of the session principal's credentials
func (s *AuthService) RemoveCredential(ctx context.Context, session Session, credentialID string) error {
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return err
	}

	cred, err := s.ownedCredential(ctx, session.PrincipalID, credentialID)
	if err != nil {
		return err
	}

	if err := s.credentials.Delete(ctx, session.PrincipalID, cred.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return models.Infrastructure("delete credential", err)
	}

	s.logger.InfoContext(ctx, "credential removed",
		slog.String("principal_id", session.PrincipalID),
		slog.String("credential_id", cred.ID),
		slog.String("type", string(cred.Type)))
	return nil
}

// RegenerateRecoveryCodes replaces every recovery code of the session principal
func (s *AuthService) RegenerateRecoveryCodes(ctx context.Context, session Session) ([]string, error) {
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return nil, err
	}

	set, err := auth.GenerateRecoveryCodes(s.config.RecoveryCodeCount)
	if err != nil {
		return nil, models.Infrastructure("generate recovery codes", err)
	}
	if err := s.principals.SetRecoveryCodes(ctx, session.PrincipalID, set.Hashes()); err != nil {
		return nil, models.Infrastructure("store recovery codes", err)
	}
	return set.Codes(), nil
}

// ChangePassword replaces the password. The session must be in sudo mode,
// and principals with a password must also present it.
func (s *AuthService) ChangePassword(ctx context.Context, session Session, input ChangePasswordInput, req models.RequestContext) error {
	start := time.Now()

	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return err
	}
	if err := s.RequireSudoMode(ctx, session); err != nil {
		return err
	}

	if principal.HasPassword() {
		if input.CurrentPassword == "" {
			return &models.ValidationError{Field: "current_password", Message: "this field is required"}
		}
		reservation, err := s.limiter.Reserve(ctx, ActionSudoMode, RateLimitSubject{Identifier: principal.ID, IPAddress: req.IPAddress})
		if err != nil {
			return err
		}
		if !s.hasher.Verify(input.CurrentPassword, principal.PasswordHash) {
			return s.authenticationFailed(ctx, start, reservation, principal, "",
				models.CredentialTypePassword, "current password mismatch", req)
		}
		if err := s.limiter.Accept(ctx, reservation); err != nil {
			return err
		}
	}

	if err := pkgauth.ValidatePassword(input.NewPassword); err != nil {
		return &models.ValidationError{Field: "password", Message: err.Error()}
	}

	hash, err := s.hasher.Hash(input.NewPassword)
	if err != nil {
		return models.Infrastructure("hash password", err)
	}
	if err := s.principals.UpdatePassword(ctx, principal.ID, hash, s.clock.Now()); err != nil {
		return models.Infrastructure("update password", err)
	}

	ev := s.newEvent(models.EventPasswordChanged, principal, "", req)
	ev.CredentialType = models.CredentialTypePassword
	s.events.Emit(ctx, ev)
	s.notifier.Send(ctx, principal, models.NotificationPasswordChanged, nil)
	return nil
}

// ownedCredential hides credentials of other principals behind ErrNotFound
func (s *AuthService) ownedCredential(ctx context.Context, principalID, credentialID string) (*models.Credential, error) {
	cred, err := s.credentials.GetByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.Infrastructure("lookup credential", err)
	}
	if cred.PrincipalID != principalID {
		return nil, models.ErrNotFound
	}
	return cred, nil
}

// ensureRecoveryCodes generates the first set of recovery codes when the
// principal enables multi-factor authentication without having any
func (s *AuthService) ensureRecoveryCodes(ctx context.Context, principal *models.Principal) ([]string, error) {
	if principal.HasRecoveryCodes() {
		return nil, nil
	}

	set, err := auth.GenerateRecoveryCodes(s.config.RecoveryCodeCount)
	if err != nil {
		return nil, models.Infrastructure("generate recovery codes", err)
	}
	if err := s.principals.SetRecoveryCodes(ctx, principal.ID, set.Hashes()); err != nil {
		return nil, models.Infrastructure("store recovery codes", err)
	}
	principal.RecoveryCodeHashes = set.Hashes()
	return set.Codes(), nil
}

const maxCredentialNameBytes = 255

func credentialName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	if len(name) <= maxCredentialNameBytes {
		return name
	}
	// Cut at the last rune boundary that fits
	cut := maxCredentialNameBytes
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
