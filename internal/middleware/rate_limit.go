package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds the request flood limit. Failed-attempt lockout is
// enforced by the engine, not here.
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig // forwarding headers are believed only from these proxies
}

// DefaultAuthRateLimit returns default rate limit config for public auth endpoints
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
	}
}

// RateLimitByIP limits requests per client address
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "ip:" + pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// RateLimitByPrincipal limits authenticated requests per principal, falling
// back to the client address when no session claims are present
func RateLimitByPrincipal(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetClaimsFromContext(r); claims != nil && claims.PrincipalID != "" {
				return "principal:" + claims.PrincipalID, nil
			}
			return "ip:" + pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

func limitExceeded(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "60")
	pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
}
