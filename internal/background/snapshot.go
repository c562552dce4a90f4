package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/tfoster/palisade/internal/models"
)

// BaselineSource enumerates and seeds in-memory baselines.
type BaselineSource interface {
	All() []*models.UserBaseline
	Seed(b *models.UserBaseline)
}

// SnapshotRepo is the durable side of baseline persistence.
type SnapshotRepo interface {
	SaveAll(ctx context.Context, baselines []*models.UserBaseline) error
	LoadAll(ctx context.Context) ([]*models.UserBaseline, error)
	DeleteStale(ctx context.Context, retentionDays int) error
}

// SnapshotManager periodically flushes in-memory baselines to the database
// so learned behavior survives a restart. Only used for single-instance
// deployments; the Redis store is already shared and durable enough.
type SnapshotManager struct {
	store         BaselineSource
	repo          SnapshotRepo
	logger        *slog.Logger
	interval      time.Duration
	retentionDays int
	stopCh        chan struct{}
	doneCh        chan struct{}
}

func NewSnapshotManager(
	store BaselineSource,
	repo SnapshotRepo,
	logger *slog.Logger,
	interval time.Duration,
	retentionDays int,
) *SnapshotManager {
	return &SnapshotManager{
		store:         store,
		repo:          repo,
		logger:        logger,
		interval:      interval,
		retentionDays: retentionDays,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Warm loads persisted baselines into the store. Called once at startup
// before traffic arrives.
func (sm *SnapshotManager) Warm(ctx context.Context) error {
	baselines, err := sm.repo.LoadAll(ctx)
	if err != nil {
		return err
	}

	for _, b := range baselines {
		sm.store.Seed(b)
	}

	sm.logger.Info("baselines restored from snapshots", slog.Int("count", len(baselines)))
	return nil
}

// Start begins the periodic snapshot task
func (sm *SnapshotManager) Start(ctx context.Context) {
	defer close(sm.doneCh)

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.flush(ctx)
		case <-sm.stopCh:
			// Final flush so a clean shutdown loses nothing. Detached from
			// ctx: the caller may cancel it as soon as Stop returns.
			sm.flush(context.Background())
			sm.logger.Info("snapshot manager stopped")
			return
		case <-ctx.Done():
			sm.logger.Info("snapshot manager context cancelled")
			return
		}
	}
}

func (sm *SnapshotManager) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	baselines := sm.store.All()
	if err := sm.repo.SaveAll(flushCtx, baselines); err != nil {
		sm.logger.Error("failed to snapshot baselines", slog.Any("error", err))
	} else if len(baselines) > 0 {
		sm.logger.Debug("baselines snapshotted", slog.Int("count", len(baselines)))
	}

	if err := sm.repo.DeleteStale(flushCtx, sm.retentionDays); err != nil {
		sm.logger.Error("failed to prune stale snapshots", slog.Any("error", err))
	}
}

// Stop shuts the snapshot manager down and blocks until the final flush
// has completed.
func (sm *SnapshotManager) Stop() {
	close(sm.stopCh)
	<-sm.doneCh
}
