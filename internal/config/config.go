package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Storage   StorageConfig
	Auth      AuthConfig
	WebAuthn  WebAuthnConfig
	RateLimit RateLimitConfig
	Email     EmailConfig
	Redis     RedisConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	RunMigrations     bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	BaseURL        string // public URL used in emailed links
	AllowedOrigins []string
	TrustedProxies []string // CIDR ranges allowed to set X-Forwarded-For
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// StorageConfig selects the backends. Driver is "postgres" or "memory";
// RateLimitStore is "postgres", "redis" or "memory" and defaults to Driver.
type StorageConfig struct {
	Driver         string
	RateLimitStore string
}

type AuthConfig struct {
	JWTSecret              string
	Issuer                 string
	SessionTokenExpiry     time.Duration
	MultiFactorTokenExpiry time.Duration
	SudoWindow             time.Duration
	RecoveryTokenTTL       time.Duration
	RecoveryThrottle       time.Duration
	RecoveryCodeCount      int
	BcryptCost             int
	TOTPEncryptionKey      []byte
	Identification         string // "email" or "username"
	CleanupInterval        time.Duration
	TimingDelayBase        time.Duration
	TimingDelayRandom      time.Duration
	TimingDelayOnSuccess   bool
}

type WebAuthnConfig struct {
	RPID    string
	RPName  string
	Origins []string
	Timeout time.Duration
}

type RateLimitConfig struct {
	Enabled               bool
	IdentityMaxAttempts   int
	IdentityWindow        time.Duration
	IdentityLockout       time.Duration
	AddressMaxAttempts    int
	AddressWindow         time.Duration
	AddressLockout        time.Duration
	RecoveryMaxRequests   int
	RecoveryWindow        time.Duration
	HTTPRequestsPerMinute int
}

// EmailConfig configures notification delivery. Without a FromAddress
// notifications are only logged.
type EmailConfig struct {
	AWSRegion   string
	FromAddress string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")
	driver := getEnv("STORAGE_DRIVER", "postgres")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "warden"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			RunMigrations:     getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Storage: StorageConfig{
			Driver:         driver,
			RateLimitStore: getEnv("RATE_LIMIT_STORE", driver),
		},
		Auth: AuthConfig{
			JWTSecret:              jwtSecret,
			Issuer:                 getEnv("JWT_ISSUER", "warden"),
			SessionTokenExpiry:     getEnvAsDuration("SESSION_TOKEN_EXPIRY", 12*time.Hour),
			MultiFactorTokenExpiry: getEnvAsDuration("MFA_TOKEN_EXPIRY", 5*time.Minute),
			SudoWindow:             getEnvAsDuration("SUDO_MODE_WINDOW", 15*time.Minute),
			RecoveryTokenTTL:       getEnvAsDuration("RECOVERY_TOKEN_TTL", time.Hour),
			RecoveryThrottle:       getEnvAsDuration("RECOVERY_THROTTLE", 60*time.Second),
			RecoveryCodeCount:      getEnvAsInt("RECOVERY_CODE_COUNT", 8),
			BcryptCost:             getEnvAsInt("BCRYPT_COST", 12),
			Identification:         getEnv("IDENTIFICATION", "email"),
			CleanupInterval:        getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			TimingDelayBase:        getEnvAsDuration("TIMING_DELAY_BASE", 200*time.Millisecond),
			TimingDelayRandom:      getEnvAsDuration("TIMING_DELAY_RANDOM", 100*time.Millisecond),
			TimingDelayOnSuccess:   getEnvAsBool("TIMING_DELAY_ON_SUCCESS", false),
		},
		WebAuthn: WebAuthnConfig{
			RPID:    getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPName:  getEnv("WEBAUTHN_RP_NAME", "Warden"),
			Origins: getEnvAsList("WEBAUTHN_ORIGINS", []string{"http://localhost:8080"}),
			Timeout: getEnvAsDuration("WEBAUTHN_TIMEOUT", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:               getEnvAsBool("RATE_LIMIT_ENABLED", true),
			IdentityMaxAttempts:   getEnvAsInt("RATE_LIMIT_IDENTITY_MAX_ATTEMPTS", 5),
			IdentityWindow:        getEnvAsDuration("RATE_LIMIT_IDENTITY_WINDOW", 15*time.Minute),
			IdentityLockout:       getEnvAsDuration("RATE_LIMIT_IDENTITY_LOCKOUT", 15*time.Minute),
			AddressMaxAttempts:    getEnvAsInt("RATE_LIMIT_ADDRESS_MAX_ATTEMPTS", 50),
			AddressWindow:         getEnvAsDuration("RATE_LIMIT_ADDRESS_WINDOW", 15*time.Minute),
			AddressLockout:        getEnvAsDuration("RATE_LIMIT_ADDRESS_LOCKOUT", 15*time.Minute),
			RecoveryMaxRequests:   getEnvAsInt("RATE_LIMIT_RECOVERY_MAX_REQUESTS", 3),
			RecoveryWindow:        getEnvAsDuration("RATE_LIMIT_RECOVERY_WINDOW", time.Hour),
			HTTPRequestsPerMinute: getEnvAsInt("RATE_LIMIT_HTTP_PER_MINUTE", 100),
		},
		Email: EmailConfig{
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Database.Password == "" {
			return nil, fmt.Errorf("DB_PASSWORD is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORAGE_DRIVER must be postgres or memory (got %q)", cfg.Storage.Driver)
	}

	switch cfg.Storage.RateLimitStore {
	case "memory", "redis":
	case "postgres":
		if cfg.Storage.Driver != "postgres" {
			return nil, fmt.Errorf("RATE_LIMIT_STORE=postgres requires STORAGE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("RATE_LIMIT_STORE must be postgres, redis or memory (got %q)", cfg.Storage.RateLimitStore)
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	key, err := parseTOTPKey(getEnv("TOTP_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}
	cfg.Auth.TOTPEncryptionKey = key

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// parseTOTPKey decodes the AES-256 key that seals TOTP secrets at rest
func parseTOTPKey(value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsList("ALLOWED_ORIGINS", []string{})
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
