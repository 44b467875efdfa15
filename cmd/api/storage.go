package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/warden/internal/background"
	"github.com/BradenHooton/warden/internal/config"
	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/repositories"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
	"github.com/redis/go-redis/v9"
)

type challengeStore interface {
	webauthn.ChallengeStore
	background.ExpiringStore
}

type recoveryTokenStore interface {
	services.RecoveryTokenRepository
	background.ExpiringStore
}

type sudoSessionStore interface {
	services.SudoSessionRepository
	background.IdleSessionStore
}

// storage holds the repositories behind the configured driver
type storage struct {
	principals     services.PrincipalRepository
	credentials    services.CredentialRepository
	challenges     challengeStore
	recoveryTokens recoveryTokenStore
	sudoSessions   sudoSessionStore
	events         services.EventRepository
	rateLimits     services.RateLimitStore

	// staleBuckets is nil when the rate-limit store expires its own keys
	staleBuckets background.StaleBucketStore

	// healthCheck pings the backends; nil for pure in-memory storage
	healthCheck func(ctx context.Context) error
	closers     []func()
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStorage connects the configured backends and runs migrations when enabled
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	s := &storage{}
	var db *database.DB

	switch cfg.Storage.Driver {
	case "memory":
		mem := repositories.NewMemoryStore()
		s.principals = mem.Principals()
		s.credentials = mem.Credentials()
		s.challenges = mem.Challenges()
		s.recoveryTokens = mem.RecoveryTokens()
		s.sudoSessions = mem.SudoSessions()
		s.events = mem.Events()
		if cfg.Storage.RateLimitStore == "memory" {
			limits := mem.RateLimits()
			s.rateLimits = limits
			s.staleBuckets = limits
		}
		logger.Warn("using in-memory storage; state is lost on restart")

	case "postgres":
		var err error
		db, err = database.Open(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.healthCheck = db.HealthCheck

		if cfg.Database.RunMigrations {
			if err := db.Migrate(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		s.principals = repositories.NewPrincipalRepository(db)
		s.credentials = repositories.NewCredentialRepository(db)
		s.challenges = repositories.NewChallengeRepository(db)
		s.recoveryTokens = repositories.NewRecoveryTokenRepository(db)
		s.sudoSessions = repositories.NewSudoSessionRepository(db)
		s.events = repositories.NewAuthEventRepository(db)

		switch cfg.Storage.RateLimitStore {
		case "postgres":
			limits := repositories.NewRateLimitRepository(db)
			s.rateLimits = limits
			s.staleBuckets = limits
		case "memory":
			limits := repositories.NewMemoryStore().RateLimits()
			s.rateLimits = limits
			s.staleBuckets = limits
		}

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Storage.RateLimitStore == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.rateLimits = repositories.NewRedisRateLimitStore(client)

		dbCheck := s.healthCheck
		s.healthCheck = func(ctx context.Context) error {
			if dbCheck != nil {
				if err := dbCheck(ctx); err != nil {
					return err
				}
			}
			return client.Ping(ctx).Err()
		}
		logger.Info("rate limits stored in redis", slog.String("addr", cfg.Redis.Addr))
	}

	if s.rateLimits == nil {
		s.Close()
		return nil, fmt.Errorf("unsupported rate limit store %q for driver %q", cfg.Storage.RateLimitStore, cfg.Storage.Driver)
	}
	return s, nil
}

// rateLimitPolicy builds the attempt policy from configuration
func rateLimitPolicy(cfg config.RateLimitConfig) services.RateLimitPolicy {
	if !cfg.Enabled {
		return services.DisabledRateLimitPolicy{}
	}

	identity := models.RateLimitRule{MaxAttempts: cfg.IdentityMaxAttempts, Window: cfg.IdentityWindow, Lockout: cfg.IdentityLockout}
	address := models.RateLimitRule{MaxAttempts: cfg.AddressMaxAttempts, Window: cfg.AddressWindow, Lockout: cfg.AddressLockout}
	recovery := models.RateLimitRule{MaxAttempts: cfg.RecoveryMaxRequests, Window: cfg.RecoveryWindow, Lockout: cfg.RecoveryWindow}

	policy := services.DefaultCompositeRateLimitPolicy()
	for action := range policy.IdentityRules {
		policy.IdentityRules[action] = identity
	}
	for action := range policy.AddressRules {
		policy.AddressRules[action] = address
	}
	policy.IdentityRules[services.ActionAccountRecoveryRequest] = recovery
	return policy
}

// longestWindow bounds how long an idle rate-limit bucket can still matter
func longestWindow(cfg config.RateLimitConfig) time.Duration {
	longest := cfg.IdentityWindow
	for _, d := range []time.Duration{cfg.IdentityLockout, cfg.AddressWindow, cfg.AddressLockout, cfg.RecoveryWindow} {
		if d > longest {
			longest = d
		}
	}
	return longest
}
