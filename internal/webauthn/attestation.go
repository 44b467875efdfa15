package webauthn

import (
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

const minRSAModulusBits = 2048

// checkAttestationFormat limits registrations to none and packed statements.
// Certificate chains are never evaluated against trust anchors.
func checkAttestationFormat(format string) error {
	switch protocol.AttestationFormat(format) {
	case AttestationFormatNone, AttestationFormatPacked:
		return nil
	}
	return fmt.Errorf("unsupported attestation format %q", format)
}

// parseCredentialKey decodes a stored or attested COSE key and rejects key
// material too weak to accept
func parseCredentialKey(raw []byte) (any, error) {
	key, err := webauthncose.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("credential public key: %w", err)
	}
	if rsa, ok := key.(webauthncose.RSAPublicKeyData); ok && len(rsa.Modulus)*8 < minRSAModulusBits {
		return nil, errors.New("credential public key: RSA modulus too short")
	}
	return key, nil
}
