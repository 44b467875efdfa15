package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/warden/pkg/clock"
)

// ExpiringStore removes records whose expiry passed
type ExpiringStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StaleBucketStore removes rate-limit buckets that no longer carry state
type StaleBucketStore interface {
	DeleteStale(ctx context.Context, now time.Time, maxWindow time.Duration) (int64, error)
}

// IdleSessionStore removes sudo state not touched since cutoff
type IdleSessionStore interface {
	DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupTargets are the stores swept on every run. Nil targets are skipped;
// the Redis rate-limit store expires its own keys.
type CleanupTargets struct {
	Challenges     ExpiringStore
	RecoveryTokens ExpiringStore
	RateLimits     StaleBucketStore
	SudoSessions   IdleSessionStore

	// MaxRateLimitWindow is the longest window of any rate-limit rule
	MaxRateLimitWindow time.Duration
	// SudoSessionIdle is how long sudo state outlives its last update; it
	// should match the session token lifetime
	SudoSessionIdle time.Duration
}

// CleanupManager periodically removes expired authentication state
type CleanupManager struct {
	targets  CleanupTargets
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(targets CleanupTargets, clk clock.Clock, logger *slog.Logger, interval time.Duration) *CleanupManager {
	if clk == nil {
		clk = clock.System()
	}
	return &CleanupManager{
		targets:  targets,
		clock:    clk,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce sweeps every target. A failing target is logged and does not stop
// the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.clock.Now()
	t := cm.targets

	if t.Challenges != nil {
		cm.report("challenges", func() (int64, error) { return t.Challenges.DeleteExpired(cleanupCtx, now) })
	}
	if t.RecoveryTokens != nil {
		cm.report("recovery_tokens", func() (int64, error) { return t.RecoveryTokens.DeleteExpired(cleanupCtx, now) })
	}
	if t.RateLimits != nil {
		cm.report("rate_limit_buckets", func() (int64, error) {
			return t.RateLimits.DeleteStale(cleanupCtx, now, t.MaxRateLimitWindow)
		})
	}
	if t.SudoSessions != nil {
		cm.report("sudo_sessions", func() (int64, error) {
			return t.SudoSessions.DeleteIdle(cleanupCtx, now.Add(-t.SudoSessionIdle))
		})
	}
}

func (cm *CleanupManager) report(target string, sweep func() (int64, error)) {
	rowsDeleted, err := sweep()
	if err != nil {
		cm.logger.Error("cleanup failed", slog.String("target", target), slog.Any("error", err))
		return
	}
	if rowsDeleted > 0 {
		cm.logger.Info("cleanup completed",
			slog.String("target", target),
			slog.Int64("rows_deleted", rowsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
