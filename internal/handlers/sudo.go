package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// SudoServiceInterface defines the sudo mode operations of the engine
type SudoServiceInterface interface {
	SudoModeStatus(ctx context.Context, session services.Session) (*services.SudoStatus, error)
	ConfirmSudoWithPassword(ctx context.Context, session services.Session, password string, req models.RequestContext) (*services.SudoStatus, error)
	BeginSudoPasskey(ctx context.Context, session services.Session) (*webauthn.RequestOptions, error)
	ConfirmSudoWithPasskey(ctx context.Context, session services.Session, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.SudoStatus, error)
}

// SudoHandler lets a session re-prove its identity before sensitive actions
type SudoHandler struct {
	service  SudoServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewSudoHandler creates a new SudoHandler
func NewSudoHandler(service SudoServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *SudoHandler {
	return &SudoHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// Status reports whether the session is elevated and how to confirm it
// @Router /auth/sudo [get]
func (h *SudoHandler) Status(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	status, err := h.service.SudoModeStatus(r.Context(), session)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toSudoStatusResponse(status))
}

// ConfirmPassword elevates the session with the password
// @Router /auth/sudo/password [post]
func (h *SudoHandler) ConfirmPassword(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req SudoPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status, err := h.service.ConfirmSudoWithPassword(r.Context(), session, req.Password, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toSudoStatusResponse(status))
}

// PasskeyOptions issues a user-verifying assertion challenge
// @Router /auth/sudo/passkey/options [post]
func (h *SudoHandler) PasskeyOptions(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	options, err := h.service.BeginSudoPasskey(r.Context(), session)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// ConfirmPasskey elevates the session with a passkey assertion
// @Router /auth/sudo/passkey [post]
func (h *SudoHandler) ConfirmPasskey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req webauthn.AssertionResponse
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status, err := h.service.ConfirmSudoWithPasskey(r.Context(), session, &req, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toSudoStatusResponse(status))
}
