package webauthn

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// Wire types exchanged with the browser
type (
	URLEncodedBase64     = protocol.URLEncodedBase64
	CreationOptions      = protocol.PublicKeyCredentialCreationOptions
	RequestOptions       = protocol.PublicKeyCredentialRequestOptions
	CredentialDescriptor = protocol.CredentialDescriptor
	RegistrationResponse = protocol.CredentialCreationResponse
	AssertionResponse    = protocol.CredentialAssertionResponse
	COSEAlgorithm        = webauthncose.COSEAlgorithmIdentifier
)

const (
	PublicKeyCredentialType = protocol.PublicKeyCredentialType

	UserVerificationRequired  = protocol.VerificationRequired
	UserVerificationPreferred = protocol.VerificationPreferred

	AttestationFormatNone   = protocol.AttestationFormatNone
	AttestationFormatPacked = protocol.AttestationFormatPacked
)

// DefaultAlgorithms are offered to authenticators, most preferred first
var DefaultAlgorithms = []COSEAlgorithm{
	webauthncose.AlgES256,
	webauthncose.AlgEdDSA,
	webauthncose.AlgES384,
	webauthncose.AlgES512,
	webauthncose.AlgPS256,
	webauthncose.AlgRS256,
}

func credentialParameters() []protocol.CredentialParameter {
	params := make([]protocol.CredentialParameter, 0, len(DefaultAlgorithms))
	for _, alg := range DefaultAlgorithms {
		params = append(params, protocol.CredentialParameter{Type: PublicKeyCredentialType, Algorithm: alg})
	}
	return params
}

// DecodeBase64URL decodes base64url with or without padding
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// credentialID resolves the credential ID from id, which must agree with rawId
// when both are sent
func credentialID(id string, rawID []byte) ([]byte, error) {
	fromID, err := DecodeBase64URL(id)
	if err != nil {
		return nil, errors.New("credential id is not base64url")
	}
	if len(fromID) == 0 {
		return nil, errors.New("empty credential id")
	}
	if len(rawID) > 0 && !bytes.Equal(rawID, fromID) {
		return nil, errors.New("id and rawId differ")
	}
	return fromID, nil
}
