package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	RecoveryCodeCount   = 8
	recoveryCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	recoveryCodeHalfLen = 5
)

// RecoveryCodeSet is an immutable set of single-use recovery codes in the
// XXXXX-XXXXX form. Only hashes are stored; the plaintext codes are known
// to a freshly generated set alone.
type RecoveryCodeSet struct {
	codes  []string
	hashes []string
}

// NewRecoveryCodeSet wraps stored code hashes
func NewRecoveryCodeSet(hashes []string) RecoveryCodeSet {
	cp := make([]string, len(hashes))
	copy(cp, hashes)
	return RecoveryCodeSet{hashes: cp}
}

// HashRecoveryCode returns the stored form of code: the hex SHA-256 of its
// normalized spelling
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

// GenerateRecoveryCodes creates count unique codes from crypto/rand
func GenerateRecoveryCodes(count int) (RecoveryCodeSet, error) {
	if count <= 0 {
		count = RecoveryCodeCount
	}

	seen := make(map[string]bool, count)
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for len(codes) < count {
		first, err := randomString(recoveryCodeHalfLen)
		if err != nil {
			return RecoveryCodeSet{}, err
		}
		second, err := randomString(recoveryCodeHalfLen)
		if err != nil {
			return RecoveryCodeSet{}, err
		}
		code := first + "-" + second
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
		hashes = append(hashes, HashRecoveryCode(code))
	}
	return RecoveryCodeSet{codes: codes, hashes: hashes}, nil
}

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(recoveryCodeCharset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate recovery code: %w", err)
		}
		b[i] = recoveryCodeCharset[idx.Int64()]
	}
	return string(b), nil
}

// normalizeRecoveryCode uppercases and strips whitespace and dashes
func normalizeRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

// Codes returns the plaintext codes. It is empty for a set built from
// stored hashes.
func (s RecoveryCodeSet) Codes() []string {
	cp := make([]string, len(s.codes))
	copy(cp, s.codes)
	return cp
}

// Hashes returns a copy of the stored form of every code
func (s RecoveryCodeSet) Hashes() []string {
	cp := make([]string, len(s.hashes))
	copy(cp, s.hashes)
	return cp
}

func (s RecoveryCodeSet) Len() int { return len(s.hashes) }

func (s RecoveryCodeSet) IsEmpty() bool { return len(s.hashes) == 0 }

// Match returns the stored hash of code. Every stored hash is compared so the
// cost does not depend on the position of the match.
func (s RecoveryCodeSet) Match(code string) (string, bool) {
	if normalizeRecoveryCode(code) == "" {
		return "", false
	}
	candidate := []byte(HashRecoveryCode(code))

	matched := ""
	found := false
	for _, stored := range s.hashes {
		if subtle.ConstantTimeCompare([]byte(stored), candidate) == 1 && !found {
			matched = stored
			found = true
		}
	}
	return matched, found
}

// Contains reports whether code is in the set
func (s RecoveryCodeSet) Contains(code string) bool {
	_, ok := s.Match(code)
	return ok
}

// Remove returns a new set without code. Removing an absent code returns an
// equal set.
func (s RecoveryCodeSet) Remove(code string) RecoveryCodeSet {
	stored, ok := s.Match(code)
	if !ok {
		return RecoveryCodeSet{codes: s.Codes(), hashes: s.Hashes()}
	}

	target := normalizeRecoveryCode(code)
	next := RecoveryCodeSet{hashes: make([]string, 0, len(s.hashes)-1)}
	for _, h := range s.hashes {
		if h != stored {
			next.hashes = append(next.hashes, h)
		}
	}
	for _, c := range s.codes {
		if normalizeRecoveryCode(c) != target {
			next.codes = append(next.codes, c)
		}
	}
	return next
}
