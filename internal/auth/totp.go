package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	TOTPPeriod     = 30 // seconds per time step
	TOTPSkew       = 1  // accepted steps on either side of the current one
	TOTPSecretSize = 20
)

var totpOpts = totp.ValidateOpts{
	Period:    TOTPPeriod,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPManager handles TOTP enrollment, secret encryption, and verification
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string // Issuer name for TOTP QR codes
}

// TOTPEnrollment is a freshly generated, not yet confirmed TOTP secret
type TOTPEnrollment struct {
	Secret          string // base32, shown once for manual entry
	SecretEncrypted []byte
	Nonce           []byte
	ProvisioningURL string
	QRCodeDataURL   string
}

// NewTOTPManager creates a new TOTP manager
// encryptionKey must be exactly 32 bytes for AES-256
func NewTOTPManager(encryptionKey []byte, issuer string) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
	}, nil
}

// GenerateEnrollment creates a secret for accountName, encrypts it for storage
// and renders the provisioning URL as a PNG data URL
func (tm *TOTPManager) GenerateEnrollment(accountName string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  TOTPSecretSize,
		Period:      TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPEnrollment{
		Secret:          key.Secret(),
		SecretEncrypted: encrypted,
		Nonce:           nonce,
		ProvisioningURL: key.URL(),
		QRCodeDataURL:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
// Returns: (encryptedBytes, nonce, error)
func (tm *TOTPManager) EncryptSecret(secret []byte) ([]byte, []byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, secret, nil), nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(encrypted, nonce []byte) (string, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// TimeStep returns the TOTP time step containing at
func TimeStep(at time.Time) int64 {
	return at.Unix() / TOTPPeriod
}

// Verify reports whether code is valid for secret at the given instant
func (tm *TOTPManager) Verify(secret, code string, at time.Time) bool {
	_, ok := tm.VerifyStep(secret, code, at)
	return ok
}

// VerifyStep checks code against the current step and TOTPSkew steps on either
// side, returning the step that matched. Every candidate is computed so the
// comparison cost does not depend on which step matches.
func (tm *TOTPManager) VerifyStep(secret, code string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if !isDigits(code, int(otp.DigitsSix)) || secret == "" {
		return 0, false
	}

	current := TimeStep(at)
	matched := int64(0)
	ok := false

	for offset := int64(-TOTPSkew); offset <= TOTPSkew; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*TOTPPeriod, 0), totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !ok {
			matched = step
			ok = true
		}
	}

	return matched, ok
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
