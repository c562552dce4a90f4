package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tfoster/palisade/internal/database"
	"github.com/tfoster/palisade/internal/models"
)

// BaselineSnapshotRepository stores periodic snapshots of user baselines so
// learned behavior survives a restart when no shared cache is configured.
type BaselineSnapshotRepository struct {
	db *database.DB
}

// NewBaselineSnapshotRepository creates a new BaselineSnapshotRepository
func NewBaselineSnapshotRepository(db *database.DB) *BaselineSnapshotRepository {
	return &BaselineSnapshotRepository{db: db}
}

// Save upserts one user's baseline snapshot
func (r *BaselineSnapshotRepository) Save(ctx context.Context, baseline *models.UserBaseline) error {
	payload, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	query := `
		INSERT INTO baseline_snapshots (user_id, baseline, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET baseline = EXCLUDED.baseline, updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Pool.Exec(ctx, query, baseline.UserID, payload, baseline.LastUpdated)
	return database.MapPostgresError(err)
}

// SaveAll upserts a batch of baseline snapshots in one transaction, so a
// flush cycle lands all-or-nothing.
func (r *BaselineSnapshotRepository) SaveAll(ctx context.Context, baselines []*models.UserBaseline) error {
	if len(baselines) == 0 {
		return nil
	}

	query := `
		INSERT INTO baseline_snapshots (user_id, baseline, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET baseline = EXCLUDED.baseline, updated_at = EXCLUDED.updated_at
	`

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		for _, b := range baselines {
			payload, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("failed to marshal baseline for %s: %w", b.UserID, err)
			}
			if _, err := tx.Exec(ctx, query, b.UserID, payload, b.LastUpdated); err != nil {
				return err
			}
		}
		return nil
	})
	return database.MapPostgresError(err)
}

// Load fetches one user's baseline snapshot, or models.ErrNotFound
func (r *BaselineSnapshotRepository) Load(ctx context.Context, userID string) (*models.UserBaseline, error) {
	query := `SELECT baseline FROM baseline_snapshots WHERE user_id = $1`

	var payload []byte
	if err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&payload); err != nil {
		return nil, database.MapPostgresError(err)
	}

	var baseline models.UserBaseline
	if err := json.Unmarshal(payload, &baseline); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline for %s: %w", userID, err)
	}

	return &baseline, nil
}

// LoadAll streams every stored baseline, used to warm the in-memory store at startup
func (r *BaselineSnapshotRepository) LoadAll(ctx context.Context) ([]*models.UserBaseline, error) {
	query := `SELECT baseline FROM baseline_snapshots`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	baselines := make([]*models.UserBaseline, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, database.MapPostgresError(err)
		}

		var baseline models.UserBaseline
		if err := json.Unmarshal(payload, &baseline); err != nil {
			return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
		}
		baselines = append(baselines, &baseline)
	}

	return baselines, rows.Err()
}

// DeleteStale removes snapshots for users inactive past the retention horizon
func (r *BaselineSnapshotRepository) DeleteStale(ctx context.Context, retentionDays int) error {
	query := `DELETE FROM baseline_snapshots WHERE updated_at < CURRENT_TIMESTAMP - $1 * INTERVAL '1 day'`
	_, err := r.db.Pool.Exec(ctx, query, retentionDays)
	return database.MapPostgresError(err)
}
