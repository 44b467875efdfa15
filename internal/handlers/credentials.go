package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/chi/v5"
)

// CredentialServiceInterface defines credential management for a signed-in
// principal. Every operation except listing requires sudo mode.
type CredentialServiceInterface interface {
	ListCredentials(ctx context.Context, session services.Session) ([]*models.Credential, error)
	BeginCredentialRegistration(ctx context.Context, session services.Session) (*webauthn.CreationOptions, error)
	FinishCredentialRegistration(ctx context.Context, session services.Session, name string, resp *webauthn.RegistrationResponse) (*services.CredentialResult, error)
	BeginTOTPEnrollment(ctx context.Context, session services.Session, name string) (*services.TOTPEnrollmentResult, error)
	ConfirmTOTPEnrollment(ctx context.Context, session services.Session, credentialID, code string) (*services.CredentialResult, error)
	RemoveCredential(ctx context.Context, session services.Session, credentialID string) error
	RegenerateRecoveryCodes(ctx context.Context, session services.Session) ([]string, error)
	ChangePassword(ctx context.Context, session services.Session, input services.ChangePasswordInput, req models.RequestContext) error
}

// CredentialHandler handles credential management HTTP requests
type CredentialHandler struct {
	service  CredentialServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewCredentialHandler creates a new CredentialHandler
func NewCredentialHandler(service CredentialServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *CredentialHandler {
	return &CredentialHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// List returns the principal's multi-factor credentials
// @Router /credentials [get]
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	credentials, err := h.service.ListCredentials(r.Context(), session)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := make([]CredentialResponse, 0, len(credentials))
	for _, c := range credentials {
		resp = append(resp, toCredentialResponse(c))
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"credentials": resp})
}

// PasskeyOptions starts registering an additional passkey
// @Router /credentials/public-key/options [post]
func (h *CredentialHandler) PasskeyOptions(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	options, err := h.service.BeginCredentialRegistration(r.Context(), session)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// FinishPasskey stores an additional passkey
// @Router /credentials/public-key [post]
func (h *CredentialHandler) FinishPasskey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req FinishCredentialRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.FinishCredentialRegistration(r.Context(), session, req.Name, &req.Credential)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, CredentialResultResponse{
		Credential:    toCredentialResponse(result.Credential),
		RecoveryCodes: result.RecoveryCodes,
	})
}

// BeginTOTP creates a pending TOTP credential
// @Router /credentials/totp [post]
func (h *CredentialHandler) BeginTOTP(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req CredentialNameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.BeginTOTPEnrollment(r.Context(), session, req.Name)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, TOTPEnrollmentResponse{
		Credential:      toCredentialResponse(result.Credential),
		Secret:          result.Secret,
		ProvisioningURL: result.ProvisioningURL,
		QRCode:          result.QRCodeDataURL,
	})
}

// ConfirmTOTP enables a pending TOTP credential with its first code
// @Router /credentials/totp/{id}/confirm [post]
func (h *CredentialHandler) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req ConfirmTOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.ConfirmTOTPEnrollment(r.Context(), session, chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, CredentialResultResponse{
		Credential:    toCredentialResponse(result.Credential),
		RecoveryCodes: result.RecoveryCodes,
	})
}

// Remove deletes a credential
// @Router /credentials/{id} [delete]
func (h *CredentialHandler) Remove(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveCredential(r.Context(), session, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteNoContent(w)
}

// RegenerateRecoveryCodes replaces every recovery code
// @Router /credentials/recovery-codes [post]
func (h *CredentialHandler) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	codes, err := h.service.RegenerateRecoveryCodes(r.Context(), session)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RecoveryCodesResponse{RecoveryCodes: codes})
}

// ChangePassword sets or replaces the password
// @Router /credentials/password [put]
func (h *CredentialHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	err := h.service.ChangePassword(r.Context(), session, services.ChangePasswordInput{
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	}, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteNoContent(w)
}
