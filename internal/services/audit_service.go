package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/pkg/logger"
)

// EventSink receives every domain event the engine emits. Emit must not fail
// the operation that produced the event.
type EventSink interface {
	Emit(ctx context.Context, event models.Event)
}

// EventRepository persists domain events
type EventRepository interface {
	Create(ctx context.Context, event *models.Event) error
	ListByPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error)
}

// AuditService is the default EventSink with a dual-write pattern (slog + database)
type AuditService struct {
	repo   EventRepository
	audit  *logger.AuditLogger
	logger *slog.Logger
}

// NewAuditService creates a new AuditService; a nil repo only logs
func NewAuditService(repo EventRepository, audit *logger.AuditLogger, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:   repo,
		audit:  audit,
		logger: logger,
	}
}

// Emit logs the event immediately and persists it
func (s *AuditService) Emit(ctx context.Context, event models.Event) {
	metadata := map[string]string{}
	if event.CredentialType != "" {
		metadata["credential_type"] = string(event.CredentialType)
	}
	if event.Action != "" {
		metadata["action"] = event.Action
	}

	s.audit.Log(ctx, logger.AuditEvent{
		EventType:     string(event.Type),
		PrincipalID:   event.PrincipalID,
		Username:      event.Username,
		IPAddress:     event.Request.IPAddress,
		UserAgent:     event.Request.UserAgent,
		Success:       !event.IsFailure(),
		FailureReason: event.Reason,
		OccurredAt:    event.OccurredAt,
		Metadata:      metadata,
	})

	if s.repo == nil {
		return
	}

	if err := s.repo.Create(ctx, &event); err != nil {
		// Non-critical: the authentication outcome stands without its record
		s.logger.ErrorContext(ctx, "failed to persist auth event",
			slog.String("event_type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}

// ListForPrincipal retrieves the event history of a principal
func (s *AuditService) ListForPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if s.repo == nil {
		return []*models.Event{}, nil
	}

	events, err := s.repo.ListByPrincipal(ctx, principalID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth events: %w", err)
	}
	return events, nil
}
