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

// MultiFactorServiceInterface defines the second-factor operations of the engine
type MultiFactorServiceInterface interface {
	BeginMultiFactorAssertion(ctx context.Context, multiFactorToken string) (*webauthn.RequestOptions, error)
	SubmitTOTPChallenge(ctx context.Context, multiFactorToken, code string, req models.RequestContext) (*services.LoginResult, error)
	SubmitPublicKeyChallenge(ctx context.Context, multiFactorToken string, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.LoginResult, error)
}

// MultiFactorHandler completes logins that passed the first factor
type MultiFactorHandler struct {
	service  MultiFactorServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewMultiFactorHandler creates a new MultiFactorHandler
func NewMultiFactorHandler(service MultiFactorServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *MultiFactorHandler {
	return &MultiFactorHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// PublicKeyOptions issues a passkey challenge restricted to the principal's credentials
// @Router /auth/mfa/public-key/options [post]
func (h *MultiFactorHandler) PublicKeyOptions(w http.ResponseWriter, r *http.Request) {
	var req MultiFactorOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	options, err := h.service.BeginMultiFactorAssertion(r.Context(), req.MultiFactorToken)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// SubmitTOTP completes a login with a one-time code
// @Router /auth/mfa/totp [post]
func (h *MultiFactorHandler) SubmitTOTP(w http.ResponseWriter, r *http.Request) {
	var req TOTPChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.SubmitTOTPChallenge(r.Context(), req.MultiFactorToken, req.Code, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toLoginResponse(result))
}

// SubmitPublicKey completes a login with a passkey assertion
// @Router /auth/mfa/public-key [post]
func (h *MultiFactorHandler) SubmitPublicKey(w http.ResponseWriter, r *http.Request) {
	var req PublicKeyChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.SubmitPublicKeyChallenge(r.Context(), req.MultiFactorToken, &req.Credential, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toLoginResponse(result))
}
