package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
	"github.com/BradenHooton/warden/pkg/clock"
	"github.com/BradenHooton/warden/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// PrincipalRepository defines the interface for principal data access
type PrincipalRepository interface {
	GetByID(ctx context.Context, id string) (*models.Principal, error)
	GetByUsername(ctx context.Context, username string) (*models.Principal, error)
	Create(ctx context.Context, principal *models.Principal) (*models.Principal, error)
	CreateWithCredential(ctx context.Context, principal *models.Principal, credential *models.Credential) (*models.Principal, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
	SetRecoveryCodes(ctx context.Context, id string, hashes []string) error
	RemoveRecoveryCode(ctx context.Context, id, hash string) (bool, error)
}

// CredentialRepository defines the interface for multi-factor credential data access
type CredentialRepository interface {
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]*models.Credential, error)
	Create(ctx context.Context, credential *models.Credential) (*models.Credential, error)
	Delete(ctx context.Context, principalID, id string) error
	ConfirmTOTP(ctx context.Context, id string, step int64, confirmedAt time.Time) error
	UpdateSignCount(ctx context.Context, id string, expected, next uint32, usedAt time.Time) (bool, error)
	UpdateTOTPStep(ctx context.Context, id string, previous, step int64, usedAt time.Time) (bool, error)
}

// RecoveryTokenRepository defines the interface for account recovery tokens.
// Consume deletes the matching token and reports whether it was still there.
type RecoveryTokenRepository interface {
	GetByPrincipal(ctx context.Context, principalID string) (*models.RecoveryToken, error)
	Replace(ctx context.Context, token *models.RecoveryToken) error
	Consume(ctx context.Context, principalID, tokenHash string) (bool, error)
}

// SudoSessionRepository defines the interface for per-session elevation state
type SudoSessionRepository interface {
	Get(ctx context.Context, sessionID string) (*models.SudoModeSession, error)
	Save(ctx context.Context, session *models.SudoModeSession) error
	Delete(ctx context.Context, sessionID string) error
}

// PasswordHasher hashes and verifies passwords. Verify must take the same
// time for an empty hash as for a real one.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hashed string) bool
}

// Outcome discriminates successful results
type Outcome string

const (
	OutcomeAuthenticated        Outcome = "authenticated"
	OutcomeMultiFactorRequired  Outcome = "multi_factor_required"
	OutcomeRecoveryCodeRequired Outcome = "recovery_code_required"
)

// LoginResult is the result of every operation that can end in a session
type LoginResult struct {
	Outcome                  Outcome
	Principal                *models.Principal
	Session                  *auth.IssuedToken
	MultiFactorToken         *auth.IssuedToken
	AvailableCredentialTypes []models.CredentialType
}

// AuthConfig holds the orchestrator's tunables
type AuthConfig struct {
	RecoveryTokenTTL  time.Duration
	RecoveryThrottle  time.Duration
	RecoveryCodeCount int
	PasskeyName       string
	Env               string
}

const (
	DefaultRecoveryTokenTTL = time.Hour
	DefaultRecoveryThrottle = 60 * time.Second
	DefaultPasskeyName      = "Passkey"
)

// AuthServiceDeps are the collaborators of AuthService
type AuthServiceDeps struct {
	Principals     PrincipalRepository
	Credentials    CredentialRepository
	RecoveryTokens RecoveryTokenRepository
	SudoSessions   SudoSessionRepository
	Hasher         PasswordHasher
	Notifier       NotificationDispatcher
	Events         EventSink
	RateLimiter    *RateLimitService
	Identification IdentificationPolicy
	Ceremony       *webauthn.Ceremony
	TOTP           *auth.TOTPManager
	Tokens         *auth.TokenManager
	Sudo           *auth.SudoModeGuard
	Timing         *auth.TimingDelay
	Clock          clock.Clock
	Logger         *slog.Logger
}

// AuthService orchestrates every authentication flow: it gates attempts on
// the rate limiter, runs the verifiers and turns their outcome into sessions,
// events and counter updates.
type AuthService struct {
	principals     PrincipalRepository
	credentials    CredentialRepository
	recoveryTokens RecoveryTokenRepository
	sudoSessions   SudoSessionRepository
	hasher         PasswordHasher
	notifier       NotificationDispatcher
	events         EventSink
	limiter        *RateLimitService
	identification IdentificationPolicy
	ceremony       *webauthn.Ceremony
	totp           *auth.TOTPManager
	tokens         *auth.TokenManager
	sudo           *auth.SudoModeGuard
	timing         *auth.TimingDelay
	clock          clock.Clock
	logger         *slog.Logger
	validate       *validator.Validate
	config         AuthConfig
}

// NewAuthService creates a new AuthService
func NewAuthService(deps AuthServiceDeps, config AuthConfig) *AuthService {
	if config.RecoveryTokenTTL <= 0 {
		config.RecoveryTokenTTL = DefaultRecoveryTokenTTL
	}
	if config.RecoveryThrottle < 0 {
		config.RecoveryThrottle = 0
	}
	if config.RecoveryCodeCount <= 0 {
		config.RecoveryCodeCount = auth.RecoveryCodeCount
	}
	if config.PasskeyName == "" {
		config.PasskeyName = DefaultPasskeyName
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Identification == nil {
		deps.Identification = NewEmailIdentification()
	}
	if deps.Sudo == nil {
		deps.Sudo = auth.NewSudoModeGuard(auth.DefaultSudoWindow)
	}

	return &AuthService{
		principals:     deps.Principals,
		credentials:    deps.Credentials,
		recoveryTokens: deps.RecoveryTokens,
		sudoSessions:   deps.SudoSessions,
		hasher:         deps.Hasher,
		notifier:       deps.Notifier,
		events:         deps.Events,
		limiter:        deps.RateLimiter,
		identification: deps.Identification,
		ceremony:       deps.Ceremony,
		totp:           deps.TOTP,
		tokens:         deps.Tokens,
		sudo:           deps.Sudo,
		timing:         deps.Timing,
		clock:          deps.Clock,
		logger:         deps.Logger,
		validate:       newValidator(),
		config:         config,
	}
}

// IdentifierField names the username field of the configured identification policy
func (s *AuthService) IdentifierField() string {
	return s.identification.Field()
}

// RegisterInput holds the fields of a password registration
type RegisterInput struct {
	Identifier string
	Name       string
	Password   string
}

// LoginInput holds the fields of a password login
type LoginInput struct {
	Identifier string
	Password   string
}

// Register creates a password principal and signs it in
func (s *AuthService) Register(ctx context.Context, input RegisterInput, req models.RequestContext) (*LoginResult, error) {
	username, err := s.identification.Normalize(input.Identifier)
	if err != nil {
		return nil, err
	}
	name, err := s.normalizeName(input.Name)
	if err != nil {
		return nil, err
	}
	if err := pkgauth.ValidatePassword(input.Password); err != nil {
		s.logger.DebugContext(ctx, "password rejected at registration", slog.Any("error", err))
		return nil, &models.ValidationError{Field: "password", Message: err.Error()}
	}
	if err := s.ensureUsernameAvailable(ctx, username); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, models.Infrastructure("hash password", err)
	}

	now := s.clock.Now()
	principal, err := s.principals.Create(ctx, &models.Principal{
		ID:           uuid.New().String(),
		Email:        username,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, s.createPrincipalError(err)
	}

	ev := s.newEvent(models.EventRegistered, principal, "", req)
	ev.CredentialType = models.CredentialTypePassword
	s.events.Emit(ctx, ev)

	return s.authenticated(ctx, principal, models.CredentialTypePassword, req)
}

// Login verifies a password. Unknown principals, principals without a
// password and wrong passwords all fail the same way in the same time.
func (s *AuthService) Login(ctx context.Context, input LoginInput, req models.RequestContext) (*LoginResult, error) {
	start := time.Now()

	username, err := s.identification.Normalize(input.Identifier)
	if err != nil {
		return nil, err
	}
	if input.Password == "" {
		return nil, &models.ValidationError{Field: "password", Message: "this field is required"}
	}

	reservation, err := s.limiter.Reserve(ctx, ActionLogin, RateLimitSubject{Identifier: username, IPAddress: req.IPAddress})
	if err != nil {
		return nil, err
	}

	principal, err := s.lookupByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	hash := ""
	if principal != nil {
		hash = principal.PasswordHash
	}
	if !s.hasher.Verify(input.Password, hash) {
		return nil, s.authenticationFailed(ctx, start, reservation, principal, username,
			models.CredentialTypePassword, "invalid credentials", req)
	}

	creds, err := s.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, models.Infrastructure("list credentials", err)
	}

	// A correct password does not clear the login counter yet: it is reset
	// once the second factor passes, so guessing cannot be laundered through
	// MFA. Only this attempt's own charge is given back.
	if types := models.EnabledCredentialTypes(creds); len(types) > 0 {
		if err := s.limiter.Release(ctx, reservation); err != nil {
			return nil, err
		}
		token, err := s.tokens.IssueMultiFactorChallenge(principal)
		if err != nil {
			return nil, models.Infrastructure("issue multi-factor token", err)
		}
		s.events.Emit(ctx, s.newEvent(models.EventMultiFactorChallenged, principal, "", req))
		s.timing.WaitFrom(ctx, start, true)

		return &LoginResult{
			Outcome:                  OutcomeMultiFactorRequired,
			Principal:                principal,
			MultiFactorToken:         token,
			AvailableCredentialTypes: types,
		}, nil
	}

	if err := s.limiter.Accept(ctx, reservation); err != nil {
		return nil, err
	}

	result, err := s.authenticated(ctx, principal, models.CredentialTypePassword, req)
	if err != nil {
		return nil, err
	}
	s.timing.WaitFrom(ctx, start, true)
	return result, nil
}

// BeginPasskeyLogin issues a discoverable-credential assertion challenge
func (s *AuthService) BeginPasskeyLogin(ctx context.Context, req models.RequestContext) (*webauthn.RequestOptions, error) {
	if err := s.limiter.Check(ctx, ActionLogin, RateLimitSubject{IPAddress: req.IPAddress}); err != nil {
		return nil, err
	}

	_, options, err := s.ceremony.BeginAssertion(ctx, nil, nil, true)
	if err != nil {
		return nil, err
	}
	return options, nil
}

// FinishPasskeyLogin verifies a discoverable assertion with user verification.
// A verified passkey is multi-factor on its own, so it signs in directly.
func (s *AuthService) FinishPasskeyLogin(ctx context.Context, resp *webauthn.AssertionResponse, req models.RequestContext) (*LoginResult, error) {
	start := time.Now()
	reservation, err := s.limiter.Reserve(ctx, ActionLogin, RateLimitSubject{IPAddress: req.IPAddress})
	if err != nil {
		return nil, err
	}

	result, err := s.ceremony.FinishAssertion(ctx, resp)
	if err != nil {
		if errors.Is(err, models.ErrInfrastructure) {
			return nil, err
		}
		return nil, s.authenticationFailed(ctx, start, reservation, nil, "",
			models.CredentialTypePublicKey, err.Error(), req)
	}
	if result.Challenge.PrincipalID != "" || !result.Challenge.UserVerificationRequired || !result.UserVerified {
		return nil, s.authenticationFailed(ctx, start, reservation, result.Principal, "",
			models.CredentialTypePublicKey, "challenge was not issued for passkey login", req)
	}

	if err := s.limiter.Accept(ctx, reservation); err != nil {
		return nil, err
	}
	if err := s.limiter.Succeed(ctx, ActionLogin, RateLimitSubject{Identifier: result.Principal.Email}); err != nil {
		return nil, err
	}
	return s.authenticated(ctx, result.Principal, models.CredentialTypePublicKey, req)
}

// PasskeyRegistrationInput holds the pending account of a passwordless registration
type PasskeyRegistrationInput struct {
	Identifier string
	Name       string
}

// BeginPasskeyRegistration starts a passwordless registration. No principal
// exists until FinishPasskeyRegistration succeeds.
func (s *AuthService) BeginPasskeyRegistration(ctx context.Context, input PasskeyRegistrationInput) (*webauthn.CreationOptions, error) {
	username, err := s.identification.Normalize(input.Identifier)
	if err != nil {
		return nil, err
	}
	name, err := s.normalizeName(input.Name)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUsernameAvailable(ctx, username); err != nil {
		return nil, err
	}

	_, options, err := s.ceremony.BeginRegistration(ctx, webauthn.RegistrationParams{
		Username:                 username,
		DisplayName:              name,
		UserVerificationRequired: true,
		ResidentKeyRequired:      true,
	})
	if err != nil {
		return nil, err
	}
	return options, nil
}

// FinishPasskeyRegistration creates the pending principal together with its
// passkey and signs it in
func (s *AuthService) FinishPasskeyRegistration(ctx context.Context, resp *webauthn.RegistrationResponse, req models.RequestContext) (*LoginResult, error) {
	cred, challenge, err := s.ceremony.FinishRegistration(ctx, resp)
	if err != nil {
		return nil, err
	}
	if challenge.PrincipalID != "" || challenge.Username == "" {
		return nil, fmt.Errorf("%w: challenge was not issued for a new account", models.ErrInvalidCeremony)
	}

	now := s.clock.Now()
	cred.ID = uuid.New().String()
	cred.Name = s.config.PasskeyName

	principal, err := s.principals.CreateWithCredential(ctx, &models.Principal{
		ID:        string(challenge.UserHandle),
		Email:     challenge.Username,
		Name:      challenge.DisplayName,
		CreatedAt: now,
		UpdatedAt: now,
	}, cred)
	if err != nil {
		return nil, s.createPrincipalError(err)
	}

	ev := s.newEvent(models.EventRegistered, principal, "", req)
	ev.CredentialType = models.CredentialTypePublicKey
	s.events.Emit(ctx, ev)

	return s.authenticated(ctx, principal, models.CredentialTypePublicKey, req)
}

// authenticated issues a session, starts it elevated and emits Authenticated
func (s *AuthService) authenticated(ctx context.Context, principal *models.Principal, credType models.CredentialType, req models.RequestContext) (*LoginResult, error) {
	session, err := s.startSession(ctx, principal)
	if err != nil {
		return nil, err
	}

	ev := s.newEvent(models.EventAuthenticated, principal, "", req)
	ev.CredentialType = credType
	s.events.Emit(ctx, ev)

	return &LoginResult{
		Outcome:   OutcomeAuthenticated,
		Principal: principal,
		Session:   session,
	}, nil
}

// startSession issues a session token whose sudo state starts confirmed:
// the principal just proved its identity
func (s *AuthService) startSession(ctx context.Context, principal *models.Principal) (*auth.IssuedToken, error) {
	token, err := s.tokens.IssueSession(principal)
	if err != nil {
		return nil, models.Infrastructure("issue session", err)
	}

	sudo := &models.SudoModeSession{SessionID: token.SessionID, PrincipalID: principal.ID}
	s.sudo.Confirm(sudo, s.clock.Now())
	if err := s.sudoSessions.Save(ctx, sudo); err != nil {
		return nil, models.Infrastructure("save sudo session", err)
	}
	return token, nil
}

// authenticationFailed records a failed attempt and returns the uniform error
func (s *AuthService) authenticationFailed(ctx context.Context, start time.Time, reservation *RateLimitReservation, principal *models.Principal, username string, credType models.CredentialType, reason string, req models.RequestContext) error {
	ev := s.newEvent(models.EventAuthenticationFailed, principal, username, req)
	ev.CredentialType = credType
	ev.Action = string(reservation.Action)
	ev.Reason = reason
	s.events.Emit(ctx, ev)

	s.recordFailure(ctx, reservation, principal, username, req)
	s.timing.WaitFrom(ctx, start, false)
	return models.ErrInvalidCredential
}

// recordFailure keeps the reserved charge and emits Lockout when this attempt
// caused one
func (s *AuthService) recordFailure(ctx context.Context, reservation *RateLimitReservation, principal *models.Principal, username string, req models.RequestContext) {
	if !reservation.LockedOut {
		return
	}

	action := string(reservation.Action)
	ev := s.newEvent(models.EventLockout, principal, username, req)
	ev.Action = action
	s.events.Emit(ctx, ev)

	if principal != nil {
		s.notifier.Send(ctx, principal, models.NotificationLockout, map[string]string{"action": action})
	}
}

func (s *AuthService) newEvent(typ models.EventType, principal *models.Principal, username string, req models.RequestContext) models.Event {
	ev := models.Event{
		Type:       typ,
		Username:   username,
		Request:    req,
		OccurredAt: s.clock.Now(),
	}
	if principal != nil {
		ev.PrincipalID = principal.ID
		if ev.Username == "" {
			ev.Username = principal.Email
		}
	}
	return ev
}

// lookupByUsername returns nil without error for an unknown username
func (s *AuthService) lookupByUsername(ctx context.Context, username string) (*models.Principal, error) {
	principal, err := s.principals.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, models.Infrastructure("lookup principal", err)
	}
	return principal, nil
}

func (s *AuthService) ensureUsernameAvailable(ctx context.Context, username string) error {
	existing, err := s.lookupByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return &models.ValidationError{Field: s.identification.Field(), Message: "has already been taken"}
	}
	return nil
}

func (s *AuthService) createPrincipalError(err error) error {
	if errors.Is(err, models.ErrConflict) {
		return &models.ValidationError{Field: s.identification.Field(), Message: "has already been taken"}
	}
	return models.Infrastructure("create principal", err)
}

func (s *AuthService) normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := s.validate.Var(name, "required,max=255"); err != nil {
		return "", fieldError("name", err)
	}
	return name, nil
}

// principalForSession resolves the principal of an authenticated session
func (s *AuthService) principalForSession(ctx context.Context, session Session) (*models.Principal, error) {
	principal, err := s.principals.GetByID(ctx, session.PrincipalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: session principal no longer exists", models.ErrUnauthorized)
		}
		return nil, models.Infrastructure("lookup principal", err)
	}
	return principal, nil
}

// logAttrs are the request attributes attached to orchestrator log lines
func (s *AuthService) logAttrs(principalID string, req models.RequestContext) []any {
	return []any{
		slog.String("principal_id", principalID),
		slog.String("ip_address", req.IPAddress),
		logger.RedactedAttr("user_agent", req.UserAgent, s.config.Env),
	}
}
