package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecoveryTokenRepository keeps at most one outstanding recovery token per principal
type RecoveryTokenRepository struct {
	pool *pgxpool.Pool
}

func NewRecoveryTokenRepository(db *database.DB) *RecoveryTokenRepository {
	return &RecoveryTokenRepository{pool: db.Pool}
}

func (r *RecoveryTokenRepository) GetByPrincipal(ctx context.Context, principalID string) (*models.RecoveryToken, error) {
	query := `SELECT principal_id, token_hash, created_at, expires_at FROM recovery_tokens WHERE principal_id = $1`

	var token models.RecoveryToken
	err := r.pool.QueryRow(ctx, query, principalID).Scan(
		&token.PrincipalID, &token.TokenHash, &token.CreatedAt, &token.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &token, nil
}

// Replace stores the token, invalidating any earlier one for the principal
func (r *RecoveryTokenRepository) Replace(ctx context.Context, token *models.RecoveryToken) error {
	query := `
		INSERT INTO recovery_tokens (principal_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (principal_id) DO UPDATE
		SET token_hash = EXCLUDED.token_hash, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`

	_, err := r.pool.Exec(ctx, query, token.PrincipalID, token.TokenHash, token.CreatedAt, token.ExpiresAt)
	return database.MapPostgresError(err)
}

func (r *RecoveryTokenRepository) Consume(ctx context.Context, principalID, tokenHash string) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM recovery_tokens WHERE principal_id = $1 AND token_hash = $2`, principalID, tokenHash)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *RecoveryTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM recovery_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
