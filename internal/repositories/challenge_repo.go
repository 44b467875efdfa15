package repositories

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChallengeRepository stores issued WebAuthn challenges. Only a hash of the
// challenge value is kept so a database read cannot replay a ceremony.
type ChallengeRepository struct {
	pool *pgxpool.Pool
}

func NewChallengeRepository(db *database.DB) *ChallengeRepository {
	return &ChallengeRepository{pool: db.Pool}
}

func challengeHash(value []byte) []byte {
	sum := sha256.Sum256(value)
	return sum[:]
}

func (r *ChallengeRepository) SaveChallenge(ctx context.Context, challenge *models.Challenge) error {
	var principalID *string
	if challenge.PrincipalID != "" {
		principalID = &challenge.PrincipalID
	}

	query := `
		INSERT INTO webauthn_challenges (challenge_hash, purpose, principal_id, user_handle, username,
			display_name, user_verification_required, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		challengeHash(challenge.Value), string(challenge.Purpose), principalID, challenge.UserHandle,
		challenge.Username, challenge.DisplayName, challenge.UserVerificationRequired,
		challenge.CreatedAt, challenge.ExpiresAt,
	)
	return database.MapPostgresError(err)
}

// ConsumeChallenge deletes and returns the challenge in one statement, so a
// challenge can be consumed at most once
func (r *ChallengeRepository) ConsumeChallenge(ctx context.Context, value []byte) (*models.Challenge, error) {
	query := `
		DELETE FROM webauthn_challenges WHERE challenge_hash = $1
		RETURNING purpose, principal_id, user_handle, username, display_name,
		          user_verification_required, created_at, expires_at
	`

	var challenge models.Challenge
	var purpose string
	var principalID *string

	err := r.pool.QueryRow(ctx, query, challengeHash(value)).Scan(
		&purpose, &principalID, &challenge.UserHandle, &challenge.Username, &challenge.DisplayName,
		&challenge.UserVerificationRequired, &challenge.CreatedAt, &challenge.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	challenge.Value = value
	challenge.Purpose = models.ChallengePurpose(purpose)
	if principalID != nil {
		challenge.PrincipalID = *principalID
	}
	return &challenge, nil
}

// DeleteExpired removes challenges that expired before now
func (r *ChallengeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM webauthn_challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
