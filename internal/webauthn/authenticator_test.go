package webauthn

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/pkg/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/require"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

// ============================================================================
// In-memory stores
// ============================================================================

type memChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*models.Challenge
}

func newMemChallengeStore() *memChallengeStore {
	return &memChallengeStore{challenges: make(map[string]*models.Challenge)}
}

func (s *memChallengeStore) SaveChallenge(ctx context.Context, c *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[string(c.Value)] = c
	return nil
}

func (s *memChallengeStore) ConsumeChallenge(ctx context.Context, value []byte) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[string(value)]
	if !ok {
		return nil, models.ErrNotFound
	}
	delete(s.challenges, string(value))
	return c, nil
}

type memCredentialStore struct {
	mu    sync.Mutex
	creds []*models.Credential
}

func (s *memCredentialStore) add(c *models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = base64.RawURLEncoding.EncodeToString(c.CredentialID)
	}
	s.creds = append(s.creds, c)
}

func (s *memCredentialStore) GetByCredentialID(ctx context.Context, id []byte) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if bytes.Equal(c.CredentialID, id) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memCredentialStore) UpdateSignCount(ctx context.Context, id string, expected, next uint32, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			if c.SignCount != expected {
				return false, nil
			}
			c.SignCount = next
			c.LastUsedAt = &usedAt
			return true, nil
		}
	}
	return false, models.ErrNotFound
}

type memPrincipalStore map[string]*models.Principal

func (s memPrincipalStore) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	p, ok := s[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return p, nil
}

type ceremonyFixture struct {
	ceremony    *Ceremony
	challenges  *memChallengeStore
	credentials *memCredentialStore
	principals  memPrincipalStore
	clock       *clock.Mock
}

func newCeremonyFixture(t *testing.T) *ceremonyFixture {
	t.Helper()
	f := &ceremonyFixture{
		challenges:  newMemChallengeStore(),
		credentials: &memCredentialStore{},
		principals:  memPrincipalStore{},
		clock:       clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.ceremony = NewCeremony(Config{
		RPID:    testRPID,
		RPName:  "Example",
		Origins: []string{testOrigin},
	}, f.challenges, f.credentials, f.principals, f.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

// ============================================================================
// Software authenticator
// ============================================================================

type testAuthenticator struct {
	t       *testing.T
	alg     COSEAlgorithm
	ecKey   *ecdsa.PrivateKey
	edKey   ed25519.PrivateKey
	credID  []byte
	aaguid  []byte
	counter uint32
	rpID    string
	origin  string
	flags   protocol.AuthenticatorFlags
}

func newES256Authenticator(t *testing.T) *testAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return newTestAuthenticator(t, webauthncose.AlgES256, key, nil)
}

func newEd25519Authenticator(t *testing.T) *testAuthenticator {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return newTestAuthenticator(t, webauthncose.AlgEdDSA, nil, key)
}

func newTestAuthenticator(t *testing.T, alg COSEAlgorithm, ec *ecdsa.PrivateKey, ed ed25519.PrivateKey) *testAuthenticator {
	credID := make([]byte, 16)
	_, err := rand.Read(credID)
	require.NoError(t, err)
	return &testAuthenticator{
		t:      t,
		alg:    alg,
		ecKey:  ec,
		edKey:  ed,
		credID: credID,
		aaguid: make([]byte, 16),
		rpID:   testRPID,
		origin: testOrigin,
		flags:  protocol.FlagUserPresent | protocol.FlagUserVerified,
	}
}

// COSE_Key labels: 1 kty, 3 alg, -1 crv, -2 x, -3 y
func (a *testAuthenticator) coseKey() []byte {
	a.t.Helper()
	var fields map[int]interface{}
	switch a.alg {
	case webauthncose.AlgEdDSA:
		fields = map[int]interface{}{
			1:  int(webauthncose.OctetKey),
			3:  int(webauthncose.AlgEdDSA),
			-1: int(webauthncose.Ed25519),
			-2: []byte(a.edKey.Public().(ed25519.PublicKey)),
		}
	default:
		pub, err := a.ecKey.PublicKey.ECDH()
		require.NoError(a.t, err)
		raw := pub.Bytes()
		fields = map[int]interface{}{
			1:  int(webauthncose.EllipticKey),
			3:  int(webauthncose.AlgES256),
			-1: int(webauthncose.P256),
			-2: raw[1:33],
			-3: raw[33:65],
		}
	}
	encoded, err := cbor.Marshal(fields)
	require.NoError(a.t, err)
	return encoded
}

func (a *testAuthenticator) sign(message []byte) []byte {
	a.t.Helper()
	if a.alg == webauthncose.AlgEdDSA {
		return ed25519.Sign(a.edKey, message)
	}
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, a.ecKey, digest[:])
	require.NoError(a.t, err)
	return sig
}

func (a *testAuthenticator) authData(attested bool) []byte {
	a.t.Helper()
	rpIDHash := sha256.Sum256([]byte(a.rpID))
	flags := a.flags
	if attested {
		flags |= protocol.FlagAttestedCredentialData
	}

	buf := new(bytes.Buffer)
	buf.Write(rpIDHash[:])
	buf.WriteByte(byte(flags))
	_ = binary.Write(buf, binary.BigEndian, a.counter)
	if attested {
		buf.Write(a.aaguid)
		_ = binary.Write(buf, binary.BigEndian, uint16(len(a.credID)))
		buf.Write(a.credID)
		buf.Write(a.coseKey())
	}
	return buf.Bytes()
}

func (a *testAuthenticator) clientData(typ protocol.CeremonyType, challenge []byte) []byte {
	a.t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"type":      typ,
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    a.origin,
	})
	require.NoError(a.t, err)
	return raw
}

func (a *testAuthenticator) attestationObject(format protocol.AttestationFormat, attStmt map[string]interface{}, authData []byte) []byte {
	a.t.Helper()
	if attStmt == nil {
		attStmt = map[string]interface{}{}
	}
	obj, err := cbor.Marshal(map[string]interface{}{
		"fmt":      string(format),
		"attStmt":  attStmt,
		"authData": authData,
	})
	require.NoError(a.t, err)
	return obj
}

func (a *testAuthenticator) registrationResponse(clientData, attestationObject []byte, transports ...string) *RegistrationResponse {
	return &RegistrationResponse{
		PublicKeyCredential: protocol.PublicKeyCredential{
			Credential: protocol.Credential{
				ID:   base64.RawURLEncoding.EncodeToString(a.credID),
				Type: string(PublicKeyCredentialType),
			},
			RawID: a.credID,
		},
		AttestationResponse: protocol.AuthenticatorAttestationResponse{
			AuthenticatorResponse: protocol.AuthenticatorResponse{ClientDataJSON: clientData},
			AttestationObject:     attestationObject,
			Transports:            transports,
		},
	}
}

// register builds an attestation response; attStmt nil means an empty statement
func (a *testAuthenticator) register(challenge []byte, format protocol.AttestationFormat, attStmt map[string]interface{}) *RegistrationResponse {
	a.t.Helper()
	clientData := a.clientData(protocol.CreateCeremony, challenge)
	obj := a.attestationObject(format, attStmt, a.authData(true))
	return a.registrationResponse(clientData, obj, "internal")
}

// selfAttestation signs authData || hash(clientData) with the credential key
func (a *testAuthenticator) selfAttestation(challenge []byte) *RegistrationResponse {
	a.t.Helper()
	authData := a.authData(true)
	clientData := a.clientData(protocol.CreateCeremony, challenge)
	hash := sha256.Sum256(clientData)
	sig := a.sign(append(append([]byte{}, authData...), hash[:]...))

	obj := a.attestationObject(AttestationFormatPacked, map[string]interface{}{"alg": int(a.alg), "sig": sig}, authData)
	return a.registrationResponse(clientData, obj)
}

func (a *testAuthenticator) assert(challenge, userHandle []byte) *AssertionResponse {
	a.t.Helper()
	authData := a.authData(false)
	clientData := a.clientData(protocol.AssertCeremony, challenge)
	hash := sha256.Sum256(clientData)
	sig := a.sign(append(append([]byte{}, authData...), hash[:]...))

	return &AssertionResponse{
		PublicKeyCredential: protocol.PublicKeyCredential{
			Credential: protocol.Credential{
				ID:   base64.RawURLEncoding.EncodeToString(a.credID),
				Type: string(PublicKeyCredentialType),
			},
			RawID: a.credID,
		},
		AssertionResponse: protocol.AuthenticatorAssertionResponse{
			AuthenticatorResponse: protocol.AuthenticatorResponse{ClientDataJSON: clientData},
			AuthenticatorData:     authData,
			Signature:             sig,
			UserHandle:            userHandle,
		},
	}
}

// registerAndStore runs a full registration for principal and stores the credential
func (f *ceremonyFixture) registerAndStore(t *testing.T, a *testAuthenticator, principal *models.Principal) *models.Credential {
	t.Helper()
	f.principals[principal.ID] = principal

	challenge, _, err := f.ceremony.BeginRegistration(context.Background(), RegistrationParams{Principal: principal})
	require.NoError(t, err)

	cred, _, err := f.ceremony.FinishRegistration(context.Background(), a.register(challenge.Value, AttestationFormatNone, nil))
	require.NoError(t, err)

	f.credentials.add(cred)
	return cred
}
