package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/webauthn"
)

// Session identifies an authenticated session
type Session struct {
	PrincipalID string
	SessionID   string
}

// SessionFromClaims extracts the session of a validated session token
func SessionFromClaims(claims *models.TokenClaims) Session {
	return Session{PrincipalID: claims.PrincipalID, SessionID: claims.SessionID}
}

// SudoStatus describes the elevation state of a session
type SudoStatus struct {
	Elevated                 bool
	ExpiresIn                time.Duration
	HasPassword              bool
	AvailableCredentialTypes []models.CredentialType
}

// sudoSession loads the elevation state of a session. A missing record, or
// one owned by another principal, is an unconfirmed session.
func (s *AuthService) sudoSession(ctx context.Context, session Session) (*models.SudoModeSession, error) {
	state, err := s.sudoSessions.Get(ctx, session.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.SudoModeSession{SessionID: session.SessionID, PrincipalID: session.PrincipalID}, nil
		}
		return nil, models.Infrastructure("load sudo session", err)
	}
	if state.PrincipalID != session.PrincipalID {
		return &models.SudoModeSession{SessionID: session.SessionID, PrincipalID: session.PrincipalID}, nil
	}
	return state, nil
}

// RequireSudoMode returns models.ErrNotElevated unless the session recently
// re-proved its identity
func (s *AuthService) RequireSudoMode(ctx context.Context, session Session) error {
	state, err := s.sudoSession(ctx, session)
	if err != nil {
		return err
	}
	if !s.sudo.IsElevated(state, s.clock.Now()) {
		return models.ErrNotElevated
	}
	return nil
}

// SudoModeStatus reports the elevation state and the ways to confirm it
func (s *AuthService) SudoModeStatus(ctx context.Context, session Session) (*SudoStatus, error) {
	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	return s.sudoStatus(ctx, session, principal)
}

func (s *AuthService) sudoStatus(ctx context.Context, session Session, principal *models.Principal) (*SudoStatus, error) {
	state, err := s.sudoSession(ctx, session)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, models.Infrastructure("list credentials", err)
	}

	now := s.clock.Now()
	var passkeyTypes []models.CredentialType
	if len(publicKeyCredentials(creds)) > 0 {
		passkeyTypes = []models.CredentialType{models.CredentialTypePublicKey}
	}
	return &SudoStatus{
		Elevated:                 s.sudo.IsElevated(state, now),
		ExpiresIn:                s.sudo.ExpiresIn(state, now),
		HasPassword:              principal.HasPassword(),
		AvailableCredentialTypes: passkeyTypes,
	}, nil
}

// ConfirmSudoWithPassword elevates the session after re-checking the password
func (s *AuthService) ConfirmSudoWithPassword(ctx context.Context, session Session, password string, req models.RequestContext) (*SudoStatus, error) {
	start := time.Now()

	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, &models.ValidationError{Field: "password", Message: "this field is required"}
	}

	reservation, err := s.limiter.Reserve(ctx, ActionSudoMode, RateLimitSubject{Identifier: principal.ID, IPAddress: req.IPAddress})
	if err != nil {
		return nil, err
	}

	if !s.hasher.Verify(password, principal.PasswordHash) {
		return nil, s.authenticationFailed(ctx, start, reservation, principal, "",
			models.CredentialTypePassword, "invalid password", req)
	}

	return s.confirmSudo(ctx, session, principal, reservation, models.CredentialTypePassword, req)
}

// BeginSudoPasskey issues a user-verifying assertion challenge for the
// session's principal
func (s *AuthService) BeginSudoPasskey(ctx context.Context, session Session) (*webauthn.RequestOptions, error) {
	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}

	creds, err := s.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, models.Infrastructure("list credentials", err)
	}
	passkeys := publicKeyCredentials(creds)
	if len(passkeys) == 0 {
		return nil, fmt.Errorf("%w: no public key credentials registered", models.ErrInvalidCredential)
	}

	_, options, err := s.ceremony.BeginAssertion(ctx, principal, passkeys, true)
	if err != nil {
		return nil, err
	}
	return options, nil
}

// ConfirmSudoWithPasskey elevates the session after a passkey assertion
func (s *AuthService) ConfirmSudoWithPasskey(ctx context.Context, session Session, resp *webauthn.AssertionResponse, req models.RequestContext) (*SudoStatus, error) {
	start := time.Now()

	principal, err := s.principalForSession(ctx, session)
	if err != nil {
		return nil, err
	}

	reservation, err := s.limiter.Reserve(ctx, ActionSudoMode, RateLimitSubject{Identifier: principal.ID, IPAddress: req.IPAddress})
	if err != nil {
		return nil, err
	}

	result, err := s.ceremony.FinishAssertion(ctx, resp)
	if err != nil {
		if errors.Is(err, models.ErrInfrastructure) {
			return nil, err
		}
		return nil, s.authenticationFailed(ctx, start, reservation, principal, "",
			models.CredentialTypePublicKey, err.Error(), req)
	}
	if result.Principal.ID != principal.ID || result.Challenge.PrincipalID != principal.ID {
		return nil, s.authenticationFailed(ctx, start, reservation, principal, "",
			models.CredentialTypePublicKey, "assertion does not belong to the session principal", req)
	}
	// Sudo needs a user-verifying assertion; an MFA challenge for the same
	// principal does not qualify
	if !result.Challenge.UserVerificationRequired || !result.UserVerified {
		return nil, s.authenticationFailed(ctx, start, reservation, principal, "",
			models.CredentialTypePublicKey, "assertion without user verification", req)
	}

	return s.confirmSudo(ctx, session, principal, reservation, models.CredentialTypePublicKey, req)
}

func (s *AuthService) confirmSudo(ctx context.Context, session Session, principal *models.Principal, reservation *RateLimitReservation, credType models.CredentialType, req models.RequestContext) (*SudoStatus, error) {
	state, err := s.sudoSession(ctx, session)
	if err != nil {
		return nil, err
	}
	s.sudo.Confirm(state, s.clock.Now())
	if err := s.sudoSessions.Save(ctx, state); err != nil {
		return nil, models.Infrastructure("save sudo session", err)
	}

	if err := s.limiter.Accept(ctx, reservation); err != nil {
		return nil, err
	}

	ev := s.newEvent(models.EventSudoModeEnabled, principal, "", req)
	ev.CredentialType = credType
	s.events.Emit(ctx, ev)

	return s.sudoStatus(ctx, session, principal)
}

// Logout forgets the elevation state of the session
func (s *AuthService) Logout(ctx context.Context, session Session) error {
	if err := s.sudoSessions.Delete(ctx, session.SessionID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.Infrastructure("delete sudo session", err)
	}
	return nil
}
