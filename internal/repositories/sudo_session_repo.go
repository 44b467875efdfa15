package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SudoSessionRepository struct {
	pool *pgxpool.Pool
}

func NewSudoSessionRepository(db *database.DB) *SudoSessionRepository {
	return &SudoSessionRepository{pool: db.Pool}
}

func (r *SudoSessionRepository) Get(ctx context.Context, sessionID string) (*models.SudoModeSession, error) {
	query := `SELECT session_id, principal_id, confirmed_at, required_at FROM sudo_sessions WHERE session_id = $1`

	var session models.SudoModeSession
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.SessionID, &session.PrincipalID, &session.ConfirmedAt, &session.RequiredAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &session, nil
}

func (r *SudoSessionRepository) Save(ctx context.Context, session *models.SudoModeSession) error {
	query := `
		INSERT INTO sudo_sessions (session_id, principal_id, confirmed_at, required_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (session_id) DO UPDATE
		SET principal_id = EXCLUDED.principal_id, confirmed_at = EXCLUDED.confirmed_at,
		    required_at = EXCLUDED.required_at, updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query, session.SessionID, session.PrincipalID, session.ConfirmedAt, session.RequiredAt)
	return database.MapPostgresError(err)
}

func (r *SudoSessionRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sudo_sessions WHERE session_id = $1`, sessionID)
	return database.MapPostgresError(err)
}

// DeleteIdle removes sessions not touched since before cutoff
func (r *SudoSessionRepository) DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM sudo_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
