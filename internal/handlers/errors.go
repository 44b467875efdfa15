package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// writeServiceError maps an engine error to its HTTP response. Anything
// outside the error taxonomy is an internal error and is logged.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve *models.ValidationError
	var rl *models.RateLimitedError

	switch {
	case errors.As(err, &ve):
		pkghttp.WriteUnprocessable(w, "validation_failed", ve.Message, ve.Field)
	case errors.As(err, &rl):
		pkghttp.WriteRateLimited(w, rl.RetryAfterSeconds(), "Too many attempts. Please try again later.")
	case errors.Is(err, models.ErrInfrastructure):
		logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	case errors.Is(err, models.ErrNotElevated):
		pkghttp.WriteError(w, http.StatusForbidden, "sudo_mode_required", "Confirm your identity to continue")
	case errors.Is(err, models.ErrInvalidRecoveryLink):
		pkghttp.WriteError(w, http.StatusForbidden, "invalid_recovery_link", "The recovery link is invalid or has expired")
	case errors.Is(err, models.ErrInvalidCredential):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Authentication failed")
	case errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Resource already exists")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request body")
	default:
		logger.ErrorContext(r.Context(), "unexpected error", slog.String("path", r.URL.Path), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
