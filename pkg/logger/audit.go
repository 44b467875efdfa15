package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType     string
	PrincipalID   string
	Username      string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
	OccurredAt    time.Time
	Metadata      map[string]string
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
	env    string
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger, env string) *AuditLogger {
	return &AuditLogger{
		logger: logger,
		env:    env,
	}
}

// Log writes an audit record at INFO for successes and WARN for failures.
// Usernames that look like email addresses are masked.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "auth"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", occurredAt.UTC().Format(time.RFC3339)),
	}

	if event.PrincipalID != "" {
		attrs = append(attrs, slog.String("principal_id", event.PrincipalID))
	}
	if event.Username != "" {
		username := event.Username
		if al.env == "production" {
			username = SanitizedIdentifier(username)
		}
		attrs = append(attrs, slog.String("username", username))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, RedactedAttr("user_agent", event.UserAgent, al.env))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}

	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	if event.Success {
		al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	} else {
		al.logger.LogAttrs(ctx, slog.LevelWarn, "audit", attrs...)
	}
}
