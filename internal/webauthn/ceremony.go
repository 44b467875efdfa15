package webauthn

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/pkg/clock"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
)

const (
	DefaultTimeout       = 5 * time.Minute
	DefaultChallengeSize = 32
)

// Config describes the relying party
type Config struct {
	RPID          string
	RPName        string
	Origins       []string
	Timeout       time.Duration
	ChallengeSize int
}

// ChallengeStore persists issued challenges. ConsumeChallenge must atomically
// return and delete the challenge, reporting models.ErrNotFound when it is
// absent or was already consumed.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, challenge *models.Challenge) error
	ConsumeChallenge(ctx context.Context, value []byte) (*models.Challenge, error)
}

// CredentialStore resolves public-key credentials and advances their counters.
// UpdateSignCount is a compare-and-set: it reports false when the stored
// counter no longer equals expected.
type CredentialStore interface {
	GetByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error)
	UpdateSignCount(ctx context.Context, id string, expected, next uint32, usedAt time.Time) (bool, error)
}

// PrincipalStore resolves the principal owning an asserted credential
type PrincipalStore interface {
	GetByID(ctx context.Context, id string) (*models.Principal, error)
}

// Ceremony runs relying-party side WebAuthn registration and assertion
type Ceremony struct {
	config      Config
	challenges  ChallengeStore
	credentials CredentialStore
	principals  PrincipalStore
	clock       clock.Clock
	logger      *slog.Logger
}

// NewCeremony creates a Ceremony for the configured relying party
func NewCeremony(config Config, challenges ChallengeStore, credentials CredentialStore, principals PrincipalStore, clk clock.Clock, logger *slog.Logger) *Ceremony {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.ChallengeSize < 16 {
		config.ChallengeSize = DefaultChallengeSize
	}
	if config.RPName == "" {
		config.RPName = config.RPID
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Ceremony{
		config:      config,
		challenges:  challenges,
		credentials: credentials,
		principals:  principals,
		clock:       clk,
		logger:      logger,
	}
}

// RegistrationParams describes who a new credential is being registered for.
// With a nil Principal a new account is pending: Username and DisplayName are
// carried on the challenge until the ceremony completes.
type RegistrationParams struct {
	Principal                *models.Principal
	Username                 string
	DisplayName              string
	Existing                 []*models.Credential
	UserVerificationRequired bool
	ResidentKeyRequired      bool
}

// AssertionResult is a verified assertion
type AssertionResult struct {
	Principal    *models.Principal
	Credential   *models.Credential
	Challenge    *models.Challenge
	UserVerified bool
}

func (c *Ceremony) newChallenge(ctx context.Context, purpose models.ChallengePurpose, uv bool) (*models.Challenge, error) {
	value := make([]byte, c.config.ChallengeSize)
	if _, err := rand.Read(value); err != nil {
		return nil, models.Infrastructure("generate challenge", err)
	}

	now := c.clock.Now()
	return &models.Challenge{
		Value:                    value,
		Purpose:                  purpose,
		UserVerificationRequired: uv,
		CreatedAt:                now,
		ExpiresAt:                now.Add(c.config.Timeout),
	}, nil
}

func userVerification(required bool) protocol.UserVerificationRequirement {
	if required {
		return UserVerificationRequired
	}
	return UserVerificationPreferred
}

func descriptors(creds []*models.Credential) []CredentialDescriptor {
	out := make([]CredentialDescriptor, 0, len(creds))
	for _, cred := range creds {
		if cred.Type != models.CredentialTypePublicKey {
			continue
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(cred.Transports))
		for _, t := range cred.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		out = append(out, CredentialDescriptor{
			Type:         PublicKeyCredentialType,
			CredentialID: cred.CredentialID,
			Transport:    transports,
		})
	}
	return out
}

// BeginRegistration issues a registration challenge and the options for
// navigator.credentials.create()
func (c *Ceremony) BeginRegistration(ctx context.Context, params RegistrationParams) (*models.Challenge, *CreationOptions, error) {
	challenge, err := c.newChallenge(ctx, models.ChallengePurposeRegistration, params.UserVerificationRequired)
	if err != nil {
		return nil, nil, err
	}

	name, displayName := params.Username, params.DisplayName
	if params.Principal != nil {
		challenge.PrincipalID = params.Principal.ID
		challenge.UserHandle = []byte(params.Principal.ID)
		if name == "" {
			name = params.Principal.Email
		}
		if displayName == "" {
			displayName = params.Principal.Name
		}
	} else {
		challenge.UserHandle = []byte(uuid.New().String())
		challenge.Username = params.Username
		challenge.DisplayName = params.DisplayName
	}
	if displayName == "" {
		displayName = name
	}

	if err := c.challenges.SaveChallenge(ctx, challenge); err != nil {
		return nil, nil, models.Infrastructure("save registration challenge", err)
	}

	residentKey := protocol.ResidentKeyRequirementPreferred
	requireResidentKey := protocol.ResidentKeyNotRequired()
	if params.ResidentKeyRequired {
		residentKey = protocol.ResidentKeyRequirementRequired
		requireResidentKey = protocol.ResidentKeyRequired()
	}

	options := &CreationOptions{
		Challenge: challenge.Value,
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: c.config.RPName},
			ID:               c.config.RPID,
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: name},
			DisplayName:      displayName,
			ID:               URLEncodedBase64(challenge.UserHandle),
		},
		Parameters:            credentialParameters(),
		Timeout:               int(c.config.Timeout.Milliseconds()),
		CredentialExcludeList: descriptors(params.Existing),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:        residentKey,
			RequireResidentKey: requireResidentKey,
			UserVerification:   userVerification(params.UserVerificationRequired),
		},
		Attestation: protocol.PreferNoAttestation,
	}

	return challenge, options, nil
}

// BeginAssertion issues an assertion challenge. A nil principal starts a
// discoverable-credential (passkey) login with an empty allow list.
func (c *Ceremony) BeginAssertion(ctx context.Context, principal *models.Principal, creds []*models.Credential, uvRequired bool) (*models.Challenge, *RequestOptions, error) {
	challenge, err := c.newChallenge(ctx, models.ChallengePurposeAssertion, uvRequired)
	if err != nil {
		return nil, nil, err
	}
	if principal != nil {
		challenge.PrincipalID = principal.ID
	}

	if err := c.challenges.SaveChallenge(ctx, challenge); err != nil {
		return nil, nil, models.Infrastructure("save assertion challenge", err)
	}

	options := &RequestOptions{
		Challenge:        challenge.Value,
		Timeout:          int(c.config.Timeout.Milliseconds()),
		RelyingPartyID:   c.config.RPID,
		UserVerification: userVerification(uvRequired),
	}
	if principal != nil {
		options.AllowedCredentials = descriptors(creds)
	}

	return challenge, options, nil
}

func invalidCeremony(err error) error {
	return fmt.Errorf("%w: %w", models.ErrInvalidCeremony, err)
}

// consume locates the challenge through clientDataJSON and deletes it from the
// store before anything else about the response is checked
func (c *Ceremony) consume(ctx context.Context, clientDataJSON []byte, purpose models.ChallengePurpose) (*models.Challenge, error) {
	cd, value, err := readClientData(clientDataJSON)
	if err != nil {
		return nil, invalidCeremony(err)
	}

	challenge, err := c.challenges.ConsumeChallenge(ctx, value)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrChallengeNotFound
		}
		return nil, models.Infrastructure("consume challenge", err)
	}

	if challenge.IsExpired(c.clock.Now()) {
		return nil, models.ErrChallengeExpired
	}
	if challenge.Purpose != purpose {
		return nil, fmt.Errorf("%w: challenge issued for %s", models.ErrInvalidCeremony, challenge.Purpose)
	}
	if cd.CrossOrigin {
		return nil, fmt.Errorf("%w: cross-origin ceremonies are not accepted", models.ErrInvalidCeremony)
	}

	return challenge, nil
}

// FinishRegistration verifies an attestation response. It returns the new
// credential, not yet persisted, and the consumed challenge.
func (c *Ceremony) FinishRegistration(ctx context.Context, resp *RegistrationResponse) (*models.Credential, *models.Challenge, error) {
	if resp == nil {
		return nil, nil, fmt.Errorf("%w: empty response", models.ErrInvalidCeremony)
	}

	challenge, err := c.consume(ctx, resp.AttestationResponse.ClientDataJSON, models.ChallengePurposeRegistration)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := resp.Parse()
	if err != nil {
		return nil, nil, invalidCeremony(err)
	}
	if err := checkAttestationFormat(parsed.Response.AttestationObject.Format); err != nil {
		return nil, nil, invalidCeremony(err)
	}

	_, err = parsed.Verify(
		URLEncodedBase64(challenge.Value).String(),
		challenge.UserVerificationRequired,
		true,
		c.config.RPID,
		c.config.Origins,
		nil,
		protocol.TopOriginIgnoreVerificationMode,
		nil,
		credentialParameters(),
	)
	if err != nil {
		return nil, nil, invalidCeremony(err)
	}

	authData := parsed.Response.AttestationObject.AuthData
	credID, err := credentialID(resp.ID, resp.RawID)
	if err != nil {
		return nil, nil, invalidCeremony(err)
	}
	if !bytes.Equal(credID, authData.AttData.CredentialID) {
		return nil, nil, fmt.Errorf("%w: credential id does not match authenticator data", models.ErrInvalidCeremony)
	}
	if _, err := parseCredentialKey(authData.AttData.CredentialPublicKey); err != nil {
		return nil, nil, invalidCeremony(err)
	}

	existing, err := c.credentials.GetByCredentialID(ctx, credID)
	switch {
	case err == nil && existing != nil:
		return nil, nil, fmt.Errorf("%w: credential already registered", models.ErrInvalidCeremony)
	case err != nil && !errors.Is(err, models.ErrNotFound):
		return nil, nil, models.Infrastructure("lookup credential", err)
	}

	principalID := challenge.PrincipalID
	if principalID == "" {
		principalID = string(challenge.UserHandle)
	}

	transports := make([]string, 0, len(parsed.Response.Transports))
	for _, t := range parsed.Response.Transports {
		transports = append(transports, string(t))
	}

	cred := &models.Credential{
		PrincipalID:  principalID,
		Type:         models.CredentialTypePublicKey,
		CredentialID: credID,
		PublicKey:    authData.AttData.CredentialPublicKey,
		SignCount:    authData.Counter,
		Transports:   transports,
		Attachment:   string(parsed.AuthenticatorAttachment),
		AAGUID:       authData.AttData.AAGUID,
		UserVerified: authData.Flags.UserVerified(),
		CreatedAt:    c.clock.Now(),
	}

	return cred, challenge, nil
}

// FinishAssertion verifies an assertion response, enforces the signature
// counter rule and advances the stored counter
func (c *Ceremony) FinishAssertion(ctx context.Context, resp *AssertionResponse) (*AssertionResult, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", models.ErrInvalidCeremony)
	}

	challenge, err := c.consume(ctx, resp.AssertionResponse.ClientDataJSON, models.ChallengePurposeAssertion)
	if err != nil {
		return nil, err
	}

	parsed, err := resp.Parse()
	if err != nil {
		return nil, invalidCeremony(err)
	}

	credID, err := credentialID(resp.ID, resp.RawID)
	if err != nil {
		return nil, invalidCeremony(err)
	}

	cred, err := c.credentials.GetByCredentialID(ctx, credID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown credential", models.ErrInvalidCeremony)
		}
		return nil, models.Infrastructure("lookup credential", err)
	}
	if cred.Type != models.CredentialTypePublicKey {
		return nil, fmt.Errorf("%w: not a public key credential", models.ErrInvalidCeremony)
	}

	// The credential must belong to the principal the challenge was issued
	// for; discoverable logins identify the principal through the user handle.
	if challenge.PrincipalID != "" && cred.PrincipalID != challenge.PrincipalID {
		return nil, fmt.Errorf("%w: credential belongs to another principal", models.ErrInvalidCeremony)
	}
	userHandle := parsed.Response.UserHandle
	if challenge.PrincipalID == "" && len(userHandle) == 0 {
		return nil, fmt.Errorf("%w: user handle required", models.ErrInvalidCeremony)
	}
	if len(userHandle) > 0 && string(userHandle) != cred.PrincipalID {
		return nil, fmt.Errorf("%w: user handle mismatch", models.ErrInvalidCeremony)
	}

	if _, err := parseCredentialKey(cred.PublicKey); err != nil {
		return nil, models.Infrastructure("parse stored public key", err)
	}

	err = parsed.Verify(
		URLEncodedBase64(challenge.Value).String(),
		c.config.RPID,
		c.config.Origins,
		nil,
		protocol.TopOriginIgnoreVerificationMode,
		"",
		challenge.UserVerificationRequired,
		true,
		cred.PublicKey,
	)
	if err != nil {
		return nil, invalidCeremony(err)
	}

	authData := parsed.Response.AuthenticatorData
	if !models.CounterAdvances(cred.SignCount, authData.Counter) {
		c.logCloning(ctx, cred, authData.Counter)
		return nil, models.ErrPossibleCredentialCloning
	}

	now := c.clock.Now()
	updated, err := c.credentials.UpdateSignCount(ctx, cred.ID, cred.SignCount, authData.Counter, now)
	if err != nil {
		return nil, models.Infrastructure("update sign count", err)
	}
	if !updated {
		// A concurrent assertion advanced the counter first
		c.logCloning(ctx, cred, authData.Counter)
		return nil, models.ErrPossibleCredentialCloning
	}
	cred.SignCount = authData.Counter
	cred.LastUsedAt = &now

	principal, err := c.principals.GetByID(ctx, cred.PrincipalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: credential has no principal", models.ErrInvalidCeremony)
		}
		return nil, models.Infrastructure("lookup principal", err)
	}

	return &AssertionResult{
		Principal:    principal,
		Credential:   cred,
		Challenge:    challenge,
		UserVerified: authData.Flags.UserVerified(),
	}, nil
}

func (c *Ceremony) logCloning(ctx context.Context, cred *models.Credential, received uint32) {
	c.logger.ErrorContext(ctx, "possible credential cloning",
		slog.String("credential_id", URLEncodedBase64(cred.CredentialID).String()),
		slog.String("principal_id", cred.PrincipalID),
		slog.Uint64("stored_count", uint64(cred.SignCount)),
		slog.Uint64("received_count", uint64(received)),
	)
}
