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

type PrincipalRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewPrincipalRepository(db *database.DB) *PrincipalRepository {
	return &PrincipalRepository{db: db, pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const principalColumns = `id, username, name, password_hash, recovery_code_hashes, password_changed_at, created_at, updated_at`

// scanPrincipalRow handles nullable fields and populates a Principal from a database row
func scanPrincipalRow(scanner rowScanner) (*models.Principal, error) {
	var principal models.Principal
	var passwordHash *string

	err := scanner.Scan(
		&principal.ID, &principal.Email, &principal.Name, &passwordHash,
		pq.Array(&principal.RecoveryCodeHashes), &principal.PasswordChangedAt,
		&principal.CreatedAt, &principal.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		principal.PasswordHash = *passwordHash
	}
	if len(principal.RecoveryCodeHashes) == 0 {
		principal.RecoveryCodeHashes = nil
	}

	return &principal, nil
}

func (r *PrincipalRepository) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`
	return scanPrincipalRow(r.pool.QueryRow(ctx, query, id))
}

func (r *PrincipalRepository) GetByUsername(ctx context.Context, username string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE username = $1`
	return scanPrincipalRow(r.pool.QueryRow(ctx, query, username))
}

func insertPrincipal(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, principal *models.Principal) (*models.Principal, error) {
	var passwordHash *string
	if principal.PasswordHash != "" {
		passwordHash = &principal.PasswordHash
	}

	var codes interface{}
	if principal.RecoveryCodeHashes != nil {
		codes = pq.Array(principal.RecoveryCodeHashes)
	}

	query := `
		INSERT INTO principals (id, username, name, password_hash, recovery_code_hashes, password_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + principalColumns

	return scanPrincipalRow(q.QueryRow(ctx, query,
		principal.ID, principal.Email, principal.Name, passwordHash, codes,
		principal.PasswordChangedAt, principal.CreatedAt, principal.UpdatedAt,
	))
}

func (r *PrincipalRepository) Create(ctx context.Context, principal *models.Principal) (*models.Principal, error) {
	return insertPrincipal(ctx, r.pool, principal)
}

// CreateWithCredential inserts a principal and its first credential atomically
func (r *PrincipalRepository) CreateWithCredential(ctx context.Context, principal *models.Principal, credential *models.Credential) (*models.Principal, error) {
	var created *models.Principal

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = insertPrincipal(ctx, tx, principal)
		if err != nil {
			return err
		}

		credential.PrincipalID = created.ID
		_, err = insertCredential(ctx, tx, credential)
		return err
	})
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return created, nil
}

func (r *PrincipalRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	query := `UPDATE principals SET password_hash = $1, password_changed_at = $2, updated_at = $2 WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, passwordHash, changedAt, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetRecoveryCodes replaces the recovery code hashes; an empty slice clears them
func (r *PrincipalRepository) SetRecoveryCodes(ctx context.Context, id string, hashes []string) error {
	var value interface{}
	if len(hashes) > 0 {
		value = pq.Array(hashes)
	}

	query := `UPDATE principals SET recovery_code_hashes = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, value, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RemoveRecoveryCode removes one code hash. It reports false when the hash was no
// longer present, so two concurrent uses of the same code cannot both succeed.
func (r *PrincipalRepository) RemoveRecoveryCode(ctx context.Context, id, hash string) (bool, error) {
	query := `
		UPDATE principals
		SET recovery_code_hashes = array_remove(recovery_code_hashes, $1), updated_at = NOW()
		WHERE id = $2 AND $1 = ANY(recovery_code_hashes)
	`

	result, err := r.pool.Exec(ctx, query, hash, id)
	if err != nil {
		return false, fmt.Errorf("failed to remove recovery code: %w", database.MapPostgresError(err))
	}
	return result.RowsAffected() == 1, nil
}
