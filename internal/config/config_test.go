package config

import (
	"strings"
	"testing"
	"time"
)

const testTOTPKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("DB_PASSWORD", "test")
	t.Setenv("TOTP_ENCRYPTION_KEY", testTOTPKey)
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	durations := []struct {
		name     string
		actual   time.Duration
		expected time.Duration
	}{
		{"ReadTimeout", cfg.Server.ReadTimeout, 15 * time.Second},
		{"WriteTimeout", cfg.Server.WriteTimeout, 15 * time.Second},
		{"IdleTimeout", cfg.Server.IdleTimeout, 60 * time.Second},
		{"SudoWindow", cfg.Auth.SudoWindow, 15 * time.Minute},
		{"MultiFactorTokenExpiry", cfg.Auth.MultiFactorTokenExpiry, 5 * time.Minute},
		{"RecoveryTokenTTL", cfg.Auth.RecoveryTokenTTL, time.Hour},
		{"RecoveryThrottle", cfg.Auth.RecoveryThrottle, 60 * time.Second},
		{"IdentityWindow", cfg.RateLimit.IdentityWindow, 15 * time.Minute},
		{"IdentityLockout", cfg.RateLimit.IdentityLockout, 15 * time.Minute},
		{"RecoveryWindow", cfg.RateLimit.RecoveryWindow, time.Hour},
	}
	for _, tt := range durations {
		if tt.actual != tt.expected {
			t.Errorf("%s: got %v, want %v", tt.name, tt.actual, tt.expected)
		}
	}

	if cfg.Storage.Driver != "postgres" || cfg.Storage.RateLimitStore != "postgres" {
		t.Errorf("Storage = %+v, want postgres for both", cfg.Storage)
	}
	if cfg.RateLimit.IdentityMaxAttempts != 5 || cfg.RateLimit.AddressMaxAttempts != 50 || cfg.RateLimit.RecoveryMaxRequests != 3 {
		t.Errorf("RateLimit thresholds = %+v", cfg.RateLimit)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.Auth.RecoveryCodeCount != 8 {
		t.Errorf("RecoveryCodeCount = %d, want 8", cfg.Auth.RecoveryCodeCount)
	}
	if cfg.Auth.Identification != "email" {
		t.Errorf("Identification = %q, want email", cfg.Auth.Identification)
	}
	if len(cfg.Auth.TOTPEncryptionKey) != 32 {
		t.Errorf("TOTPEncryptionKey length = %d, want 32", len(cfg.Auth.TOTPEncryptionKey))
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_READ_TIMEOUT", "30s")
	t.Setenv("SUDO_MODE_WINDOW", "5m")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_STORE", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("WEBAUTHN_RP_ID", "auth.example.com")
	t.Setenv("WEBAUTHN_ORIGINS", "https://auth.example.com, https://app.example.com,")
	t.Setenv("IDENTIFICATION", "username")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Auth.SudoWindow != 5*time.Minute {
		t.Errorf("SudoWindow = %v, want 5m", cfg.Auth.SudoWindow)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want false")
	}
	if cfg.Storage.RateLimitStore != "redis" || cfg.Redis.Addr != "redis:6380" {
		t.Errorf("rate limit store = %q at %q", cfg.Storage.RateLimitStore, cfg.Redis.Addr)
	}
	if cfg.WebAuthn.RPID != "auth.example.com" {
		t.Errorf("RPID = %q", cfg.WebAuthn.RPID)
	}
	want := []string{"https://auth.example.com", "https://app.example.com"}
	if strings.Join(cfg.WebAuthn.Origins, "|") != strings.Join(want, "|") {
		t.Errorf("Origins = %v, want %v", cfg.WebAuthn.Origins, want)
	}
	if cfg.Auth.Identification != "username" {
		t.Errorf("Identification = %q, want username", cfg.Auth.Identification)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_READ_TIMEOUT", "not-a-duration")
	t.Setenv("RATE_LIMIT_IDENTITY_MAX_ATTEMPTS", "five")
	t.Setenv("RATE_LIMIT_ENABLED", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.RateLimit.IdentityMaxAttempts != 5 {
		t.Errorf("IdentityMaxAttempts = %d, want 5", cfg.RateLimit.IdentityMaxAttempts)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
}

func TestLoad_MemoryDriverNeedsNoDatabase(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("TOTP_ENCRYPTION_KEY", testTOTPKey)
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if cfg.Storage.RateLimitStore != "memory" {
		t.Errorf("RateLimitStore = %q, want memory", cfg.Storage.RateLimitStore)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing jwt secret",
			env:     map[string]string{"JWT_SECRET": ""},
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "weak jwt secret in production",
			env:     map[string]string{"ENV": "production", "JWT_SECRET": "only-twenty-characters"},
			wantErr: "at least 32 characters",
		},
		{
			name:    "missing database password",
			env:     map[string]string{"DB_PASSWORD": ""},
			wantErr: "DB_PASSWORD is required",
		},
		{
			name:    "unknown storage driver",
			env:     map[string]string{"STORAGE_DRIVER": "sqlite"},
			wantErr: "STORAGE_DRIVER must be",
		},
		{
			name:    "postgres rate limits without postgres storage",
			env:     map[string]string{"STORAGE_DRIVER": "memory", "RATE_LIMIT_STORE": "postgres"},
			wantErr: "requires STORAGE_DRIVER=postgres",
		},
		{
			name:    "unknown rate limit store",
			env:     map[string]string{"RATE_LIMIT_STORE": "memcached"},
			wantErr: "RATE_LIMIT_STORE must be",
		},
		{
			name:    "missing totp key",
			env:     map[string]string{"TOTP_ENCRYPTION_KEY": ""},
			wantErr: "TOTP_ENCRYPTION_KEY is required",
		},
		{
			name:    "totp key not hex",
			env:     map[string]string{"TOTP_ENCRYPTION_KEY": "zz"},
			wantErr: "must be hex encoded",
		},
		{
			name:    "short totp key",
			env:     map[string]string{"TOTP_ENCRYPTION_KEY": "0011"},
			wantErr: "must decode to 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseAllowedOrigins_Production(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	got := parseAllowedOrigins("production")
	if len(got) != 2 || got[0] != "https://app.example.com" || got[1] != "https://admin.example.com" {
		t.Errorf("parseAllowedOrigins = %v", got)
	}
}
