package background

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is any in-memory store that can drop expired state.
type Sweeper interface {
	Sweep(now time.Time) int
}

// ExpiredRowDeleter prunes expired persistent rows.
type ExpiredRowDeleter interface {
	DeleteExpiredFailures(ctx context.Context) error
}

// CleanupManager periodically sweeps expired in-memory security state and
// prunes expired failure rows from the database.
type CleanupManager struct {
	sweepers map[string]Sweeper
	rows     ExpiredRowDeleter
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager. rows may be nil when no
// database is configured.
func NewCleanupManager(
	sweepers map[string]Sweeper,
	rows ExpiredRowDeleter,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		sweepers: sweepers,
		rows:     rows,
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

// runCleanup sweeps each registered store and prunes expired rows
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	now := time.Now()

	for name, sweeper := range cm.sweepers {
		if removed := sweeper.Sweep(now); removed > 0 {
			cm.logger.Info("expired state swept",
				slog.String("store", name),
				slog.Int("removed", removed))
		}
	}

	if cm.rows == nil {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := cm.rows.DeleteExpiredFailures(cleanupCtx); err != nil {
		cm.logger.Error("failed to prune expired failure rows", slog.Any("error", err))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
