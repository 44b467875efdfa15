package routes

import (
	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/handlers"
	"github.com/BradenHooton/warden/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the HTTP handlers served by the router
type Handlers struct {
	Auth        *handlers.AuthHandler
	MultiFactor *handlers.MultiFactorHandler
	Recovery    *handlers.RecoveryHandler
	Sudo        *handlers.SudoHandler
	Credentials *handlers.CredentialHandler
	Audit       *handlers.AuditHandler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, tokenManager *auth.TokenManager, rateLimitConfig middleware.RateLimitConfig) {
	// Public routes - no session required. Failed-attempt lockout happens in
	// the engine; this only sheds request floods.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))

		r.Post("/auth/register", h.Auth.Register)
		r.Post("/auth/login", h.Auth.Login)
		r.Post("/auth/passkey/login/options", h.Auth.BeginPasskeyLogin)
		r.Post("/auth/passkey/login", h.Auth.FinishPasskeyLogin)
		r.Post("/auth/passkey/register/options", h.Auth.BeginPasskeyRegistration)
		r.Post("/auth/passkey/register", h.Auth.FinishPasskeyRegistration)

		// Second factor, authorized by the multi-factor token in the body
		r.Post("/auth/mfa/totp", h.MultiFactor.SubmitTOTP)
		r.Post("/auth/mfa/public-key/options", h.MultiFactor.PublicKeyOptions)
		r.Post("/auth/mfa/public-key", h.MultiFactor.SubmitPublicKey)

		r.Post("/account-recovery", h.Recovery.Request)
		r.Get("/account-recovery/challenge", h.Recovery.Inspect)
		r.Post("/account-recovery/challenge", h.Recovery.Submit)
	})

	// Protected routes - session token required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(tokenManager))
		r.Use(middleware.RateLimitByPrincipal(rateLimitConfig))

		r.Post("/auth/logout", h.Auth.Logout)

		r.Get("/auth/sudo", h.Sudo.Status)
		r.Post("/auth/sudo/password", h.Sudo.ConfirmPassword)
		r.Post("/auth/sudo/passkey/options", h.Sudo.PasskeyOptions)
		r.Post("/auth/sudo/passkey", h.Sudo.ConfirmPasskey)

		// Every credential operation requires sudo mode, enforced by the engine
		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.Credentials.List)
			r.Post("/public-key/options", h.Credentials.PasskeyOptions)
			r.Post("/public-key", h.Credentials.FinishPasskey)
			r.Post("/totp", h.Credentials.BeginTOTP)
			r.Post("/totp/{id}/confirm", h.Credentials.ConfirmTOTP)
			r.Delete("/{id}", h.Credentials.Remove)
			r.Post("/recovery-codes", h.Credentials.RegenerateRecoveryCodes)
			r.Put("/password", h.Credentials.ChangePassword)
		})

		r.Get("/events", h.Audit.ListEvents)
	})
}
