package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/webauthn"
)

// multiFactorPrincipal resolves the principal that passed the first factor
func (s *AuthService) multiFactorPrincipal(ctx context.Context, token string) (*models.Principal, error) {
	claims, err := s.tokens.ValidateToken(token, models.TokenTypeMultiFactor)
	if err != nil {
		return nil, err
	}

	principal, err := s.principals.GetByID(ctx, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: principal no longer exists", models.ErrUnauthorized)
		}
		return nil, models.Infrastructure("lookup principal", err)
	}
	return principal, nil
}

func publicKeyCredentials(creds []*models.Credential) []*models.Credential {
	out := make([]*models.Credential, 0, len(creds))
	for _, c := range creds {
		if c.Type == models.CredentialTypePublicKey {
			out = append(out, c)
		}
	}
	return out
}

// BeginMultiFactorAssertion issues an assertion challenge restricted to the
// principal's registered passkeys
func (s *AuthService) BeginMultiFactorAssertion(ctx context.Context, multiFactorToken string) (*webauthn.RequestOptions, error) {
	principal, err := s.multiFactorPrincipal(ctx, multiFactorToken)
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

	_, options, err := s.ceremony.BeginAssertion(ctx, principal, passkeys, false)
	if err != nil {
		return nil, err
	}
	return options, nil
}

// SubmitTOTPChallenge completes a login with a time-based one-time code. A
// code is accepted at most once per credential: steps at or before the last
// accepted one are replays.
func (s *AuthService) SubmitTOTPChallenge(ctx context.Context, multiFactorToken, code string, req models.RequestContext) (*LoginResult, error) {
	start := time.Now()

	principal, err := s.multiFactorPrincipal(ctx, multiFactorToken)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &models.ValidationError{Field: "code", Message: "this field is required"}
	}

	reservation, err := s.limiter.Reserve(ctx, ActionMultiFactorChallenge, RateLimitSubject{Identifier: principal.ID, IPAddress: req.IPAddress})
	if err != nil {
		return nil, err
	}

	creds, err := s.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, models.Infrastructure("list credentials", err)
	}

	now := s.clock.Now()
	for _, cred := range creds {
		if cred.Type != models.CredentialTypeTOTP || !cred.Confirmed {
			continue
		}

		secret, err := s.totp.DecryptSecret(cred.SecretEncrypted, cred.SecretNonce)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to decrypt totp secret",
				slog.String("credential_id", cred.ID),
				slog.Any("error", err))
			continue
		}

		step, ok := s.totp.VerifyStep(secret, code, now)
		if !ok {
			continue
		}
		if step <= cred.LastUsedStep {
			s.logger.WarnContext(ctx, "totp code replayed", s.logAttrs(principal.ID, req)...)
			continue
		}

		updated, err := s.credentials.UpdateTOTPStep(ctx, cred.ID, cred.LastUsedStep, step, now)
		if err != nil {
			return nil, models.Infrastructure("record totp step", err)
		}
		if !updated {
			// Another request accepted a code for this credential first
			continue
		}

		return s.multiFactorPassed(ctx, start, principal, reservation, models.CredentialTypeTOTP, req)
	}

	return nil, s.multiFactorFailed(ctx, start, principal, reservation, models.CredentialTypeTOTP, "invalid code", req)
}

// SubmitPublicKeyChallenge completes a login with a passkey assertion
func (s *AuthService) SubmitPublicKeyChallenge(ctx context.Context, multiFactorToken string, resp *webauthn.AssertionResponse, req models.RequestContext) (*LoginResult, error) {
	start := time.Now()

	principal, err := s.multiFactorPrincipal(ctx, multiFactorToken)
	if err != nil {
		return nil, err
	}

	reservation, err := s.limiter.Reserve(ctx, ActionMultiFactorChallenge, RateLimitSubject{Identifier: principal.ID, IPAddress: req.IPAddress})
	if err != nil {
		return nil, err
	}

	result, err := s.ceremony.FinishAssertion(ctx, resp)
	if err != nil {
		if errors.Is(err, models.ErrInfrastructure) {
			return nil, err
		}
		return nil, s.multiFactorFailed(ctx, start, principal, reservation, models.CredentialTypePublicKey, err.Error(), req)
	}
	if result.Principal.ID != principal.ID || result.Challenge.PrincipalID != principal.ID {
		return nil, s.multiFactorFailed(ctx, start, principal, reservation, models.CredentialTypePublicKey,
			"assertion does not belong to the challenged principal", req)
	}

	return s.multiFactorPassed(ctx, start, principal, reservation, models.CredentialTypePublicKey, req)
}

// multiFactorPassed resets both the challenge counter and the login counter
// left standing by the first factor
func (s *AuthService) multiFactorPassed(ctx context.Context, start time.Time, principal *models.Principal, reservation *RateLimitReservation, credType models.CredentialType, req models.RequestContext) (*LoginResult, error) {
	if err := s.limiter.Accept(ctx, reservation); err != nil {
		return nil, err
	}
	if err := s.limiter.Succeed(ctx, ActionLogin, RateLimitSubject{Identifier: principal.Email}); err != nil {
		return nil, err
	}

	result, err := s.authenticated(ctx, principal, credType, req)
	if err != nil {
		return nil, err
	}
	s.timing.WaitFrom(ctx, start, true)
	return result, nil
}

func (s *AuthService) multiFactorFailed(ctx context.Context, start time.Time, principal *models.Principal, reservation *RateLimitReservation, credType models.CredentialType, reason string, req models.RequestContext) error {
	ev := s.newEvent(models.EventMultiFactorChallengeFailed, principal, "", req)
	ev.CredentialType = credType
	ev.Action = string(ActionMultiFactorChallenge)
	ev.Reason = reason
	s.events.Emit(ctx, ev)

	s.recordFailure(ctx, reservation, principal, "", req)
	s.timing.WaitFrom(ctx, start, false)
	return models.ErrInvalidCredential
}
