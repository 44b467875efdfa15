package webauthn

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
)

// readClientData decodes clientDataJSON far enough to locate the challenge it
// answers. Type and origin are verified later by the protocol checks.
func readClientData(raw []byte) (*protocol.CollectedClientData, []byte, error) {
	if len(raw) == 0 {
		return nil, nil, errors.New("empty clientDataJSON")
	}

	var cd protocol.CollectedClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, nil, fmt.Errorf("invalid clientDataJSON: %w", err)
	}

	challenge, err := DecodeBase64URL(cd.Challenge)
	if err != nil || len(challenge) == 0 {
		return nil, nil, errors.New("invalid challenge in clientDataJSON")
	}
	return &cd, challenge, nil
}
