package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
)

const recoveryTokenSize = 32

// RecoveryInput holds the fields of a recovery link and its challenge
type RecoveryInput struct {
	Identifier string
	Token      string
	Code       string
}

// newRecoveryToken returns the emailed token and the hash that is stored
func newRecoveryToken() (string, string, error) {
	raw := make([]byte, recoveryTokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	return token, hashRecoveryToken(token), nil
}

func hashRecoveryToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RequestAccountRecovery emails a recovery link. The outward result is the
// same whether the principal is unknown, was sent a link moments ago, or was
// sent one now; only the rate limiter can refuse the request.
func (s *AuthService) RequestAccountRecovery(ctx context.Context, identifier string, req models.RequestContext) error {
	username, err := s.identification.Normalize(identifier)
	if err != nil {
		return err
	}

	// Every request counts, successful or not, so the reservation is never
	// settled
	reservation, err := s.limiter.Reserve(ctx, ActionAccountRecoveryRequest, RateLimitSubject{Identifier: username, IPAddress: req.IPAddress})
	if err != nil {
		return err
	}
	s.recordFailure(ctx, reservation, nil, username, req)

	principal, err := s.lookupByUsername(ctx, username)
	if err != nil {
		return err
	}
	if principal == nil {
		s.logger.DebugContext(ctx, "account recovery requested for unknown principal")
		return nil
	}

	now := s.clock.Now()
	existing, err := s.recoveryTokens.GetByPrincipal(ctx, principal.ID)
	switch {
	case err == nil && existing.RecentlyCreated(now, s.config.RecoveryThrottle):
		s.logger.InfoContext(ctx, "account recovery throttled", s.logAttrs(principal.ID, req)...)
		return nil
	case err != nil && !errors.Is(err, models.ErrNotFound):
		return models.Infrastructure("lookup recovery token", err)
	}

	raw, hash, err := newRecoveryToken()
	if err != nil {
		return models.Infrastructure("generate recovery token", err)
	}

	token := &models.RecoveryToken{
		PrincipalID: principal.ID,
		TokenHash:   hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.RecoveryTokenTTL),
	}
	if err := s.recoveryTokens.Replace(ctx, token); err != nil {
		return models.Infrastructure("store recovery token", err)
	}

	s.notifier.Send(ctx, principal, models.NotificationAccountRecovery, map[string]string{
		"token":      raw,
		"identifier": principal.Email,
		"expires_at": token.ExpiresAt.UTC().Format(time.RFC3339),
	})
	s.logger.InfoContext(ctx, "account recovery link sent", s.logAttrs(principal.ID, req)...)
	return nil
}

// InspectRecoveryLink checks a recovery link. Principals without recovery
// codes are recovered right away; the others get OutcomeRecoveryCodeRequired
// and the token stays valid for SubmitRecoveryChallenge.
func (s *AuthService) InspectRecoveryLink(ctx context.Context, identifier, token string, req models.RequestContext) (*LoginResult, error) {
	return s.recover(ctx, RecoveryInput{Identifier: identifier, Token: token}, false, req)
}

// SubmitRecoveryChallenge completes recovery with a recovery code
func (s *AuthService) SubmitRecoveryChallenge(ctx context.Context, input RecoveryInput, req models.RequestContext) (*LoginResult, error) {
	return s.recover(ctx, input, true, req)
}

func (s *AuthService) recover(ctx context.Context, input RecoveryInput, submitted bool, req models.RequestContext) (*LoginResult, error) {
	start := time.Now()

	username, err := s.identification.Normalize(input.Identifier)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Token) == "" {
		return nil, &models.ValidationError{Field: "token", Message: "this field is required"}
	}

	reservation, err := s.limiter.Reserve(ctx, ActionAccountRecoveryChallenge, RateLimitSubject{Identifier: username, IPAddress: req.IPAddress})
	if err != nil {
		return nil, err
	}

	principal, tokenHash, err := s.resolveRecoveryLink(ctx, username, input.Token)
	if err != nil {
		if errors.Is(err, models.ErrInvalidRecoveryLink) {
			return nil, s.recoveryFailed(ctx, start, reservation, principal, username, "invalid recovery link", models.ErrInvalidRecoveryLink, req)
		}
		return nil, err
	}

	if principal.HasRecoveryCodes() {
		if !submitted {
			// Inspecting a valid link is not an attempt
			if err := s.limiter.Release(ctx, reservation); err != nil {
				return nil, err
			}
			return &LoginResult{Outcome: OutcomeRecoveryCodeRequired, Principal: principal}, nil
		}

		code := strings.TrimSpace(input.Code)
		if code == "" {
			if err := s.limiter.Release(ctx, reservation); err != nil {
				return nil, err
			}
			return nil, &models.ValidationError{Field: "code", Message: "this field is required"}
		}
		stored, ok := auth.NewRecoveryCodeSet(principal.RecoveryCodeHashes).Match(code)
		if !ok {
			return nil, s.recoveryFailed(ctx, start, reservation, principal, username, "invalid recovery code", models.ErrInvalidCredential, req)
		}

		if err := s.consumeRecoveryToken(ctx, principal.ID, tokenHash); err != nil {
			if errors.Is(err, models.ErrInvalidRecoveryLink) {
				return nil, s.recoveryFailed(ctx, start, reservation, principal, username, "recovery link already used", err, req)
			}
			return nil, err
		}

		removed, err := s.principals.RemoveRecoveryCode(ctx, principal.ID, stored)
		if err != nil {
			return nil, models.Infrastructure("remove recovery code", err)
		}
		if !removed {
			// The code was spent by a concurrent request
			return nil, s.recoveryFailed(ctx, start, reservation, principal, username, "recovery code already used", models.ErrInvalidCredential, req)
		}
		principal.RecoveryCodeHashes = auth.NewRecoveryCodeSet(principal.RecoveryCodeHashes).Remove(code).Hashes()
	} else if err := s.consumeRecoveryToken(ctx, principal.ID, tokenHash); err != nil {
		if errors.Is(err, models.ErrInvalidRecoveryLink) {
			return nil, s.recoveryFailed(ctx, start, reservation, principal, username, "recovery link already used", err, req)
		}
		return nil, err
	}

	if err := s.limiter.Accept(ctx, reservation); err != nil {
		return nil, err
	}

	session, err := s.startSession(ctx, principal)
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, s.newEvent(models.EventAccountRecovered, principal, "", req))
	s.logger.InfoContext(ctx, "account recovered", s.logAttrs(principal.ID, req)...)

	return &LoginResult{
		Outcome:   OutcomeAuthenticated,
		Principal: principal,
		Session:   session,
	}, nil
}

// resolveRecoveryLink returns the principal and stored hash for a valid link.
// Unknown identifiers, missing, foreign and expired tokens are all
// models.ErrInvalidRecoveryLink; the principal is returned when it resolved.
func (s *AuthService) resolveRecoveryLink(ctx context.Context, username, token string) (*models.Principal, string, error) {
	principal, err := s.lookupByUsername(ctx, username)
	if err != nil {
		return nil, "", err
	}
	if principal == nil {
		return nil, "", models.ErrInvalidRecoveryLink
	}

	stored, err := s.recoveryTokens.GetByPrincipal(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return principal, "", models.ErrInvalidRecoveryLink
		}
		return nil, "", models.Infrastructure("lookup recovery token", err)
	}

	presented := hashRecoveryToken(strings.TrimSpace(token))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(stored.TokenHash)) != 1 {
		return principal, "", models.ErrInvalidRecoveryLink
	}
	if stored.IsExpired(s.clock.Now()) {
		return principal, "", models.ErrInvalidRecoveryLink
	}
	return principal, stored.TokenHash, nil
}

func (s *AuthService) consumeRecoveryToken(ctx context.Context, principalID, tokenHash string) error {
	consumed, err := s.recoveryTokens.Consume(ctx, principalID, tokenHash)
	if err != nil {
		return models.Infrastructure("consume recovery token", err)
	}
	if !consumed {
		return models.ErrInvalidRecoveryLink
	}
	return nil
}

func (s *AuthService) recoveryFailed(ctx context.Context, start time.Time, reservation *RateLimitReservation, principal *models.Principal, username, reason string, outcome error, req models.RequestContext) error {
	ev := s.newEvent(models.EventAccountRecoveryFailed, principal, username, req)
	ev.Action = string(ActionAccountRecoveryChallenge)
	ev.Reason = reason
	s.events.Emit(ctx, ev)

	s.recordFailure(ctx, reservation, principal, username, req)

	s.logger.WarnContext(ctx, "account recovery failed", slog.String("reason", reason))
	s.timing.WaitFrom(ctx, start, false)
	return outcome
}
