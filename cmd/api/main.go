package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/background"
	"github.com/BradenHooton/warden/internal/config"
	"github.com/BradenHooton/warden/internal/handlers"
	middlewareCustom "github.com/BradenHooton/warden/internal/middleware"
	"github.com/BradenHooton/warden/internal/routes"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
	"github.com/BradenHooton/warden/pkg/clock"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	pkglogger "github.com/BradenHooton/warden/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("rate_limit_store", cfg.Storage.RateLimitStore),
	)

	// Initialize storage
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStorage(startupCtx, cfg, logger)
	startupCancel()
	if err != nil {
		logger.Error("failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	clk := clock.System()

	// Initialize security primitives
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.Issuer,
		cfg.Auth.SessionTokenExpiry,
		cfg.Auth.MultiFactorTokenExpiry,
		clk,
	)

	totpManager, err := auth.NewTOTPManager(cfg.Auth.TOTPEncryptionKey, cfg.WebAuthn.RPName)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	identification, err := services.NewIdentificationPolicy(cfg.Auth.Identification)
	if err != nil {
		logger.Error("invalid identification policy", slog.Any("error", err))
		os.Exit(1)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelay:      cfg.Auth.TimingDelayBase,
		RandomDelay:    cfg.Auth.TimingDelayRandom,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
	})

	ceremony := webauthn.NewCeremony(webauthn.Config{
		RPID:    cfg.WebAuthn.RPID,
		RPName:  cfg.WebAuthn.RPName,
		Origins: cfg.WebAuthn.Origins,
		Timeout: cfg.WebAuthn.Timeout,
	}, store.challenges, store.credentials, store.principals, clk, logger)

	// Audit trail and rate limiting
	auditLogger := pkglogger.NewAuditLogger(logger, cfg.Server.Env)
	auditService := services.NewAuditService(store.events, auditLogger, logger)
	rateLimitService := services.NewRateLimitService(store.rateLimits, rateLimitPolicy(cfg.RateLimit), clk, logger)

	// Notifications go through SES when a sender is configured
	var notifier services.NotificationDispatcher
	var sesDispatcher *services.SESNotificationDispatcher
	if cfg.Email.FromAddress != "" {
		sesDispatcher, err = services.NewSESNotificationDispatcher(cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.Server.BaseURL, logger)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesDispatcher
	} else {
		logger.Warn("EMAIL_FROM_ADDRESS not set; notifications are only logged")
		notifier = services.NewLogNotificationDispatcher(logger, cfg.Server.Env)
	}

	authService := services.NewAuthService(services.AuthServiceDeps{
		Principals:     store.principals,
		Credentials:    store.credentials,
		RecoveryTokens: store.recoveryTokens,
		SudoSessions:   store.sudoSessions,
		Hasher:         pkgauth.NewBcryptHasher(cfg.Auth.BcryptCost),
		Notifier:       notifier,
		Events:         auditService,
		RateLimiter:    rateLimitService,
		Identification: identification,
		Ceremony:       ceremony,
		TOTP:           totpManager,
		Tokens:         tokenManager,
		Sudo:           auth.NewSudoModeGuard(cfg.Auth.SudoWindow),
		Timing:         timingDelay,
		Clock:          clk,
		Logger:         logger,
	}, services.AuthConfig{
		RecoveryTokenTTL:  cfg.Auth.RecoveryTokenTTL,
		RecoveryThrottle:  cfg.Auth.RecoveryThrottle,
		RecoveryCodeCount: cfg.Auth.RecoveryCodeCount,
		Env:               cfg.Server.Env,
	})

	// Initialize cleanup manager
	targets := background.CleanupTargets{
		Challenges:         store.challenges,
		RecoveryTokens:     store.recoveryTokens,
		SudoSessions:       store.sudoSessions,
		MaxRateLimitWindow: longestWindow(cfg.RateLimit),
		SudoSessionIdle:    cfg.Auth.SessionTokenExpiry,
	}
	if store.staleBuckets != nil {
		targets.RateLimits = store.staleBuckets
	}
	cleanupManager := background.NewCleanupManager(targets, clk, logger, cfg.Auth.CleanupInterval)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	h := routes.Handlers{
		Auth:        handlers.NewAuthHandler(authService, ipConfig, logger),
		MultiFactor: handlers.NewMultiFactorHandler(authService, ipConfig, logger),
		Recovery:    handlers.NewRecoveryHandler(authService, ipConfig, logger),
		Sudo:        handlers.NewSudoHandler(authService, ipConfig, logger),
		Credentials: handlers.NewCredentialHandler(authService, ipConfig, logger),
		Audit:       handlers.NewAuditHandler(auditService, logger),
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, h, tokenManager, middlewareCustom.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimit.HTTPRequestsPerMinute,
		IPConfig:          ipConfig,
	})

	// Health check with backing stores
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if store.healthCheck != nil {
			if err := store.healthCheck(ctx); err != nil {
				pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// Let in-flight emails finish before the process exits
	if sesDispatcher != nil {
		sesDispatcher.Wait()
	}

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
