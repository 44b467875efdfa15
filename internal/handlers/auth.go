package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// AuthServiceInterface defines the first-factor operations of the engine
type AuthServiceInterface interface {
	Register(ctx context.Context, input services.RegisterInput, req models.RequestContext) (*services.LoginResult, error)
	Login(ctx context.Context, input services.LoginInput, req models.RequestContext) (*services.LoginResult, error)
	BeginPasskeyLogin(ctx context.Context, req models.RequestContext) (*webauthn.RequestOptions, error)
	FinishPasskeyLogin(ctx context.Context, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.LoginResult, error)
	BeginPasskeyRegistration(ctx context.Context, input services.PasskeyRegistrationInput) (*webauthn.CreationOptions, error)
	FinishPasskeyRegistration(ctx context.Context, resp *webauthn.RegistrationResponse, req models.RequestContext) (*services.LoginResult, error)
	Logout(ctx context.Context, session services.Session) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// requestContext collects the request metadata the engine records and keys
// address rate limits on
func requestContext(r *http.Request, ipConfig *pkghttp.IPConfig) models.RequestContext {
	rc := models.RequestContext{
		IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	}
	if claims := auth.GetClaimsFromContext(r); claims != nil {
		rc.SessionID = claims.SessionID
	}
	return rc
}

// sessionFromRequest returns the session set by the auth middleware
func sessionFromRequest(w http.ResponseWriter, r *http.Request) (services.Session, bool) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil || claims.Type != models.TokenTypeSession {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return services.Session{}, false
	}
	return services.SessionFromClaims(claims), true
}

// Register handles password registration
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.Register(r.Context(), services.RegisterInput{
		Identifier: req.Identifier,
		Name:       req.Name,
		Password:   req.Password,
	}, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, toLoginResponse(result))
}

// Login handles password login. A principal with multi-factor credentials
// receives a multi-factor token instead of a session.
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.Login(r.Context(), services.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	}, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, toLoginResponse(result))
}

// BeginPasskeyLogin issues a discoverable assertion challenge
// @Router /auth/passkey/login/options [post]
func (h *AuthHandler) BeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	options, err := h.service.BeginPasskeyLogin(r.Context(), requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// FinishPasskeyLogin signs in with a passkey assertion
// @Router /auth/passkey/login [post]
func (h *AuthHandler) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	var req webauthn.AssertionResponse
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.FinishPasskeyLogin(r.Context(), &req, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toLoginResponse(result))
}

// BeginPasskeyRegistration starts a passwordless registration
// @Router /auth/passkey/register/options [post]
func (h *AuthHandler) BeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	var req PasskeyRegistrationOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	options, err := h.service.BeginPasskeyRegistration(r.Context(), services.PasskeyRegistrationInput{
		Identifier: req.Identifier,
		Name:       req.Name,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// FinishPasskeyRegistration creates the principal with its passkey
// @Router /auth/passkey/register [post]
func (h *AuthHandler) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	var req webauthn.RegistrationResponse
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.FinishPasskeyRegistration(r.Context(), &req, requestContext(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, toLoginResponse(result))
}

// Logout forgets the sudo state of the session. Session tokens are stateless
// and expire on their own.
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), session); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	pkghttp.WriteNoContent(w)
}
