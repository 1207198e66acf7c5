package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/merchward/bastion/internal/repositories"
)

// Retention horizons for the periodic sweep.
const (
	// Abandoned enrollments keep a decryptable secret around; expire them fast.
	staleEnrollmentAge = 24 * time.Hour
	idleSessionAge     = 30 * 24 * time.Hour
	eventRetention     = 90 * 24 * time.Hour
)

// CleanupManager periodically sweeps abandoned TOTP enrollments, idle
// sessions, and security events past their retention horizon.
type CleanupManager struct {
	factors  *repositories.FactorRepository
	sessions *repositories.SessionRepository
	events   *repositories.SecurityEventRepository
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	factors *repositories.FactorRepository,
	sessions *repositories.SessionRepository,
	events *repositories.SecurityEventRepository,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		factors:  factors,
		sessions: sessions,
		events:   events,
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
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup executes one sweep. Each sweep is independent; a failure in one
// does not stop the others.
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := time.Now()

	if removed, err := cm.factors.DeleteStaleUnconfirmedTOTP(cleanupCtx, now.Add(-staleEnrollmentAge)); err != nil {
		cm.logger.Error("failed to sweep stale totp enrollments", slog.Any("error", err))
	} else if removed > 0 {
		cm.logger.Info("removed stale totp enrollments", slog.Int64("rows_deleted", removed))
	}

	if removed, err := cm.sessions.DeleteIdleBefore(cleanupCtx, now.Add(-idleSessionAge)); err != nil {
		cm.logger.Error("failed to sweep idle sessions", slog.Any("error", err))
	} else if removed > 0 {
		cm.logger.Info("removed idle sessions", slog.Int64("rows_deleted", removed))
	}

	if removed, err := cm.events.DeleteOlderThan(cleanupCtx, now.Add(-eventRetention)); err != nil {
		cm.logger.Error("failed to sweep aged security events", slog.Any("error", err))
	} else if removed > 0 {
		cm.logger.Info("removed aged security events", slog.Int64("rows_deleted", removed))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
