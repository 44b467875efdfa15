package middleware

import "net/http"

// SecurityHeadersConfig holds security headers configuration
type SecurityHeadersConfig struct {
	Env string
}

// SecurityHeaders returns a middleware that adds security headers to all responses.
// Every response is JSON; nothing may be framed, scripted or cached.
func SecurityHeaders(config SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			// X-Frame-Options: Clickjacking protection
			h.Set("X-Frame-Options", "DENY")

			// X-Content-Type-Options: MIME sniffing prevention
			h.Set("X-Content-Type-Options", "nosniff")

			h.Set("Referrer-Policy", "no-referrer")

			// Content-Security-Policy: the API serves no documents
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

			// Tokens, challenges and recovery codes must never be cached
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")

			// Strict-Transport-Security: only for HTTPS connections in production
			if config.Env == "production" && (r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https") {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
			}

			// Permissions-Policy: WebAuthn ceremonies stay same-origin
			h.Set("Permissions-Policy",
				"publickey-credentials-create=(self), "+
					"publickey-credentials-get=(self), "+
					"camera=(), "+
					"geolocation=(), "+
					"microphone=(), "+
					"payment=(), "+
					"usb=()",
			)

			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")

			next.ServeHTTP(w, r)
		})
	}
}
