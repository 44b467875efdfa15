package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuthEventRepository handles authentication event data access
type AuthEventRepository struct {
	pool *pgxpool.Pool
}

// NewAuthEventRepository creates a new AuthEventRepository
func NewAuthEventRepository(db *database.DB) *AuthEventRepository {
	return &AuthEventRepository{pool: db.Pool}
}

// scanEventRow handles nullable fields and populates an Event from a database row
func scanEventRow(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var eventType, credType string
	var principalID *string

	err := row.Scan(
		&ev.ID, &eventType, &principalID, &ev.Username, &credType,
		&ev.Action, &ev.Reason, &ev.Request.IPAddress, &ev.Request.UserAgent,
		&ev.OccurredAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	ev.Type = models.EventType(eventType)
	ev.CredentialType = models.CredentialType(credType)
	if principalID != nil {
		ev.PrincipalID = *principalID
	}
	return &ev, nil
}

func scanEventRows(rows pgx.Rows) ([]*models.Event, error) {
	defer rows.Close()

	events := make([]*models.Event, 0)

	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auth event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auth event rows: %w", err)
	}

	return events, nil
}

// Create persists an event and assigns its ID
func (r *AuthEventRepository) Create(ctx context.Context, ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	var principalID *string
	if ev.PrincipalID != "" {
		principalID = &ev.PrincipalID
	}

	query := `
		INSERT INTO auth_events (
			id, type, principal_id, username, credential_type, action, reason,
			ip_address, user_agent, occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		ev.ID, string(ev.Type), principalID, ev.Username, string(ev.CredentialType),
		ev.Action, ev.Reason, ev.Request.IPAddress, ev.Request.UserAgent, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth event: %w", database.MapPostgresError(err))
	}
	return nil
}

// ListByPrincipal returns a principal's events, newest first
func (r *AuthEventRepository) ListByPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error) {
	query := `
		SELECT id, type, principal_id, username, credential_type, action, reason,
		       ip_address, user_agent, occurred_at
		FROM auth_events
		WHERE principal_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, principalID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth events: %w", database.MapPostgresError(err))
	}
	return scanEventRows(rows)
}
