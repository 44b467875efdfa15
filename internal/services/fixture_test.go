package services

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/repositories"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
	"github.com/BradenHooton/warden/pkg/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

const (
	testRPID       = "example.com"
	testOrigin     = "https://example.com"
	testPassword   = "Corr3ct-Horse!"
	testIdentifier = "alice@example.com"
)

var testRequest = models.RequestContext{IPAddress: "203.0.113.7", UserAgent: "test-agent"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// authFixture wires an AuthService to in-memory repositories and recording mocks
type authFixture struct {
	svc      *AuthService
	store    *repositories.MemoryStore
	events   *MockEventSink
	notifier *MockNotificationDispatcher
	clock    *clock.Mock
	tokens   *auth.TokenManager
	totp     *auth.TOTPManager
	limiter  *RateLimitService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	f := &authFixture{
		store:    repositories.NewMemoryStore(),
		events:   &MockEventSink{},
		notifier: &MockNotificationDispatcher{},
		clock:    clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	logger := discardLogger()

	totpManager, err := auth.NewTOTPManager(bytes.Repeat([]byte{7}, 32), "Warden")
	require.NoError(t, err)
	f.totp = totpManager
	f.tokens = auth.NewTokenManager("test-secret-that-is-long-enough-0123456789", "warden", time.Hour, 5*time.Minute, f.clock)
	f.limiter = NewRateLimitService(f.store.RateLimits(), DefaultCompositeRateLimitPolicy(), f.clock, logger)

	ceremony := webauthn.NewCeremony(webauthn.Config{
		RPID:    testRPID,
		RPName:  "Example",
		Origins: []string{testOrigin},
	}, f.store.Challenges(), f.store.Credentials(), f.store.Principals(), f.clock, logger)

	f.svc = NewAuthService(AuthServiceDeps{
		Principals:     f.store.Principals(),
		Credentials:    f.store.Credentials(),
		RecoveryTokens: f.store.RecoveryTokens(),
		SudoSessions:   f.store.SudoSessions(),
		Hasher:         pkgauth.NewBcryptHasher(4),
		Notifier:       f.notifier,
		Events:         f.events,
		RateLimiter:    f.limiter,
		Identification: NewEmailIdentification(),
		Ceremony:       ceremony,
		TOTP:           f.totp,
		Tokens:         f.tokens,
		Sudo:           auth.NewSudoModeGuard(15 * time.Minute),
		Clock:          f.clock,
		Logger:         logger,
	}, AuthConfig{Env: "test"})

	return f
}

// register creates a password principal and returns it with its session
func (f *authFixture) register(t *testing.T, identifier string) (*models.Principal, Session) {
	t.Helper()
	result, err := f.svc.Register(context.Background(), RegisterInput{
		Identifier: identifier,
		Name:       "Alice",
		Password:   testPassword,
	}, testRequest)
	require.NoError(t, err)
	require.Equal(t, OutcomeAuthenticated, result.Outcome)
	return result.Principal, Session{PrincipalID: result.Principal.ID, SessionID: result.Session.SessionID}
}

// enrollTOTP adds a confirmed TOTP credential and returns its secret
func (f *authFixture) enrollTOTP(t *testing.T, session Session) (string, *CredentialResult) {
	t.Helper()
	ctx := context.Background()

	enrollment, err := f.svc.BeginTOTPEnrollment(ctx, session, "")
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmTOTPEnrollment(ctx, session, enrollment.Credential.ID, f.totpCode(t, enrollment.Secret))
	require.NoError(t, err)

	// Move past the step spent by the confirmation
	f.clock.Advance(2 * auth.TOTPPeriod * time.Second)
	return enrollment.Secret, confirmed
}

func (f *authFixture) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	return code
}

func (f *authFixture) principal(t *testing.T, id string) *models.Principal {
	t.Helper()
	p, err := f.store.Principals().GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

// ============================================================================
// Software authenticator
// ============================================================================

type softAuthenticator struct {
	t       *testing.T
	key     *ecdsa.PrivateKey
	credID  []byte
	counter uint32
	flags   protocol.AuthenticatorFlags
}

func newSoftAuthenticator(t *testing.T) *softAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	credID := make([]byte, 16)
	_, err = rand.Read(credID)
	require.NoError(t, err)
	return &softAuthenticator{
		t:      t,
		key:    key,
		credID: credID,
		flags:  protocol.FlagUserPresent | protocol.FlagUserVerified,
	}
}

func (a *softAuthenticator) coseKey() []byte {
	pub, err := a.key.PublicKey.ECDH()
	require.NoError(a.t, err)
	raw := pub.Bytes()
	encoded, err := cbor.Marshal(map[int]interface{}{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: raw[1:33],
		-3: raw[33:65],
	})
	require.NoError(a.t, err)
	return encoded
}

func (a *softAuthenticator) authData(attested bool) []byte {
	rpIDHash := sha256.Sum256([]byte(testRPID))
	flags := a.flags
	if attested {
		flags |= protocol.FlagAttestedCredentialData
	}

	buf := new(bytes.Buffer)
	buf.Write(rpIDHash[:])
	buf.WriteByte(byte(flags))
	_ = binary.Write(buf, binary.BigEndian, a.counter)
	if attested {
		buf.Write(make([]byte, 16))
		_ = binary.Write(buf, binary.BigEndian, uint16(len(a.credID)))
		buf.Write(a.credID)
		buf.Write(a.coseKey())
	}
	return buf.Bytes()
}

func (a *softAuthenticator) clientData(typ protocol.CeremonyType, challenge []byte) []byte {
	raw, err := json.Marshal(map[string]interface{}{
		"type":      typ,
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    testOrigin,
	})
	require.NoError(a.t, err)
	return raw
}

func (a *softAuthenticator) register(challenge []byte) *webauthn.RegistrationResponse {
	obj, err := cbor.Marshal(map[string]interface{}{
		"fmt":      string(webauthn.AttestationFormatNone),
		"attStmt":  map[string]interface{}{},
		"authData": a.authData(true),
	})
	require.NoError(a.t, err)

	return &webauthn.RegistrationResponse{
		PublicKeyCredential: a.publicKeyCredential(),
		AttestationResponse: protocol.AuthenticatorAttestationResponse{
			AuthenticatorResponse: protocol.AuthenticatorResponse{
				ClientDataJSON: a.clientData(protocol.CreateCeremony, challenge),
			},
			AttestationObject: obj,
			Transports:        []string{"internal"},
		},
	}
}

// assert signs an assertion; each call advances the signature counter
func (a *softAuthenticator) assert(challenge, userHandle []byte) *webauthn.AssertionResponse {
	a.counter++
	authData := a.authData(false)
	clientData := a.clientData(protocol.AssertCeremony, challenge)
	hash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), hash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(a.t, err)

	return &webauthn.AssertionResponse{
		PublicKeyCredential: a.publicKeyCredential(),
		AssertionResponse: protocol.AuthenticatorAssertionResponse{
			AuthenticatorResponse: protocol.AuthenticatorResponse{ClientDataJSON: clientData},
			AuthenticatorData:     authData,
			Signature:             sig,
			UserHandle:            userHandle,
		},
	}
}

func (a *softAuthenticator) publicKeyCredential() protocol.PublicKeyCredential {
	return protocol.PublicKeyCredential{
		Credential: protocol.Credential{
			ID:   base64.RawURLEncoding.EncodeToString(a.credID),
			Type: string(webauthn.PublicKeyCredentialType),
		},
		RawID: a.credID,
	}
}

// addPasskey registers a passkey for the session principal
func (f *authFixture) addPasskey(t *testing.T, session Session) (*softAuthenticator, *CredentialResult) {
	t.Helper()
	ctx := context.Background()
	a := newSoftAuthenticator(t)

	options, err := f.svc.BeginCredentialRegistration(ctx, session)
	require.NoError(t, err)

	result, err := f.svc.FinishCredentialRegistration(ctx, session, "Laptop", a.register(options.Challenge))
	require.NoError(t, err)
	return a, result
}
