package auth

import (
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/pkg/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssuedToken is a signed token with its session binding
type IssuedToken struct {
	Token     string
	SessionID string // empty for multi-factor challenge tokens
	ExpiresAt time.Time
}

// TokenManager handles JWT token generation and validation
type TokenManager struct {
	secret            []byte
	issuer            string
	sessionExpiry     time.Duration
	multiFactorExpiry time.Duration
	clock             clock.Clock
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret, issuer string, sessionExpiry, multiFactorExpiry time.Duration, clk clock.Clock) *TokenManager {
	if clk == nil {
		clk = clock.System()
	}
	return &TokenManager{
		secret:            []byte(secret),
		issuer:            issuer,
		sessionExpiry:     sessionExpiry,
		multiFactorExpiry: multiFactorExpiry,
		clock:             clk,
	}
}

// IssueSession creates a session token bound to a fresh session ID
func (tm *TokenManager) IssueSession(principal *models.Principal) (*IssuedToken, error) {
	sessionID := uuid.New().String()
	return tm.sign(models.TokenTypeSession, principal.ID, principal.Email, sessionID, tm.sessionExpiry)
}

// IssueMultiFactorChallenge creates the short-lived token that proves the first
// factor passed. It carries no session and is rejected by AuthMiddleware.
func (tm *TokenManager) IssueMultiFactorChallenge(principal *models.Principal) (*IssuedToken, error) {
	return tm.sign(models.TokenTypeMultiFactor, principal.ID, "", "", tm.multiFactorExpiry)
}

func (tm *TokenManager) sign(tokenType, principalID, email, sessionID string, expiry time.Duration) (*IssuedToken, error) {
	now := tm.clock.Now()
	expiresAt := now.Add(expiry)

	claims := &models.TokenClaims{
		Type:        tokenType,
		PrincipalID: principalID,
		Email:       email,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tm.issuer,
			Subject:   principalID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return &IssuedToken{Token: tokenString, SessionID: sessionID, ExpiresAt: expiresAt}, nil
}

// ValidateToken verifies a token of the expected type and returns its claims
func (tm *TokenManager) ValidateToken(tokenString, expectedType string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithTimeFunc(tm.clock.Now),
		jwt.WithIssuer(tm.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse token: %w", models.ErrUnauthorized, err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type != expectedType {
		return nil, fmt.Errorf("%w: expected %s token, got %q", models.ErrUnauthorized, expectedType, claims.Type)
	}
	if claims.PrincipalID == "" {
		return nil, fmt.Errorf("%w: token has no principal", models.ErrUnauthorized)
	}
	if expectedType == models.TokenTypeSession && claims.SessionID == "" {
		return nil, fmt.Errorf("%w: session token has no session id", models.ErrUnauthorized)
	}

	return claims, nil
}
