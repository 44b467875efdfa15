package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

type CredentialRepository struct {
	pool *pgxpool.Pool
}

func NewCredentialRepository(db *database.DB) *CredentialRepository {
	return &CredentialRepository{pool: db.Pool}
}

const credentialColumns = `id, principal_id, type, name, credential_id, public_key, sign_count, transports,
	attachment, aaguid, user_verified, secret_encrypted, secret_nonce, confirmed, last_used_step,
	created_at, last_used_at`

func scanCredentialRow(scanner rowScanner) (*models.Credential, error) {
	var cred models.Credential
	var credType string
	var signCount int64

	err := scanner.Scan(
		&cred.ID, &cred.PrincipalID, &credType, &cred.Name,
		&cred.CredentialID, &cred.PublicKey, &signCount, pq.Array(&cred.Transports),
		&cred.Attachment, &cred.AAGUID, &cred.UserVerified,
		&cred.SecretEncrypted, &cred.SecretNonce, &cred.Confirmed, &cred.LastUsedStep,
		&cred.CreatedAt, &cred.LastUsedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	cred.Type = models.CredentialType(credType)
	cred.SignCount = uint32(signCount)
	return &cred, nil
}

func scanCredentialRows(rows pgx.Rows) ([]*models.Credential, error) {
	defer rows.Close()

	creds := make([]*models.Credential, 0)
	for rows.Next() {
		cred, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return creds, nil
}

func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	return scanCredentialRow(r.pool.QueryRow(ctx, query, id))
}

func (r *CredentialRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE credential_id = $1`
	return scanCredentialRow(r.pool.QueryRow(ctx, query, credentialID))
}

func (r *CredentialRepository) ListByPrincipal(ctx context.Context, principalID string) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE principal_id = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return scanCredentialRows(rows)
}

func insertCredential(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, cred *models.Credential) (*models.Credential, error) {
	var transports interface{}
	if cred.Transports != nil {
		transports = pq.Array(cred.Transports)
	}

	query := `
		INSERT INTO credentials (id, principal_id, type, name, credential_id, public_key, sign_count, transports,
			attachment, aaguid, user_verified, secret_encrypted, secret_nonce, confirmed, last_used_step, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING ` + credentialColumns

	return scanCredentialRow(q.QueryRow(ctx, query,
		cred.ID, cred.PrincipalID, string(cred.Type), cred.Name,
		cred.CredentialID, cred.PublicKey, int64(cred.SignCount), transports,
		cred.Attachment, cred.AAGUID, cred.UserVerified,
		cred.SecretEncrypted, cred.SecretNonce, cred.Confirmed, cred.LastUsedStep, cred.CreatedAt,
	))
}

func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return insertCredential(ctx, r.pool, cred)
}

// Delete removes a credential only when it belongs to principalID
func (r *CredentialRepository) Delete(ctx context.Context, principalID, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1 AND principal_id = $2`, id, principalID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) ConfirmTOTP(ctx context.Context, id string, step int64, confirmedAt time.Time) error {
	query := `
		UPDATE credentials
		SET confirmed = TRUE, last_used_step = $1, last_used_at = $2
		WHERE id = $3 AND type = 'totp'
	`

	result, err := r.pool.Exec(ctx, query, step, confirmedAt, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateSignCount advances the signature counter only if it still equals expected
func (r *CredentialRepository) UpdateSignCount(ctx context.Context, id string, expected, next uint32, usedAt time.Time) (bool, error) {
	query := `
		UPDATE credentials
		SET sign_count = $1, last_used_at = $2
		WHERE id = $3 AND sign_count = $4
	`

	result, err := r.pool.Exec(ctx, query, int64(next), usedAt, id, int64(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update sign count: %w", database.MapPostgresError(err))
	}
	return result.RowsAffected() == 1, nil
}

// UpdateTOTPStep records an accepted step only if the stored one still equals previous
func (r *CredentialRepository) UpdateTOTPStep(ctx context.Context, id string, previous, step int64, usedAt time.Time) (bool, error) {
	query := `
		UPDATE credentials
		SET last_used_step = $1, last_used_at = $2
		WHERE id = $3 AND last_used_step = $4 AND $1 > last_used_step
	`

	result, err := r.pool.Exec(ctx, query, step, usedAt, id, previous)
	if err != nil {
		return false, fmt.Errorf("failed to update totp step: %w", database.MapPostgresError(err))
	}
	return result.RowsAffected() == 1, nil
}
