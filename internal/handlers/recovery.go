package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// RecoveryServiceInterface defines the account recovery operations of the engine
type RecoveryServiceInterface interface {
	RequestAccountRecovery(ctx context.Context, identifier string, req models.RequestContext) error
	InspectRecoveryLink(ctx context.Context, identifier, token string, req models.RequestContext) (*services.LoginResult, error)
	SubmitRecoveryChallenge(ctx context.Context, input services.RecoveryInput, req models.RequestContext) (*services.LoginResult, error)
}

// RecoveryHandler handles account recovery HTTP requests
type RecoveryHandler struct {
	service  RecoveryServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewRecoveryHandler creates a new RecoveryHandler
func NewRecoveryHandler(service RecoveryServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *RecoveryHandler {
	return &RecoveryHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// Request emails a recovery link. The response is the same whether or not
// the identifier belongs to a principal.
// @Router /account-recovery [post]
func (h *RecoveryHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if err := h.service.RequestAccountRecovery(r.Context(), req.Identifier, requestContext(r, h.ipConfig)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "If the account exists, a recovery link has been sent.",
	})
}

// Inspect opens a recovery link. Principals without recovery codes are
// signed in; the others are asked for a code.
// @Router /account-recovery/challenge [get]
func (h *RecoveryHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	result, err := h.service.InspectRecoveryLink(r.Context(), query.Get("identifier"), query.Get("token"), requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toLoginResponse(result))
}

// Submit completes recovery with a recovery code
// @Router /account-recovery/challenge [post]
func (h *RecoveryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req RecoveryChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.SubmitRecoveryChallenge(r.Context(), services.RecoveryInput{
		Identifier: req.Identifier,
		Token:      req.Token,
		Code:       req.Code,
	}, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toLoginResponse(result))
}
