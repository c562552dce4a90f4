package repositories

import (
	"context"
	"time"

	"github.com/tfoster/palisade/internal/database"
	"github.com/tfoster/palisade/internal/models"
)

// AnomalyAuditRepository persists anomaly scoring outcomes. The scorer writes
// through it asynchronously so scoring latency never waits on the database.
type AnomalyAuditRepository struct {
	db *database.DB
}

// NewAnomalyAuditRepository creates a new AnomalyAuditRepository
func NewAnomalyAuditRepository(db *database.DB) *AnomalyAuditRepository {
	return &AnomalyAuditRepository{db: db}
}

// RecordAnomaly inserts one anomaly scoring outcome
func (r *AnomalyAuditRepository) RecordAnomaly(ctx context.Context, event *models.BehaviorEvent, result *models.AnomalyResult) error {
	query := `
		INSERT INTO anomaly_audit (user_id, event_time, location, device_fingerprint, score, risk_level, reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		event.UserID,
		event.Timestamp,
		event.Location,
		event.Device,
		result.Score,
		string(result.RiskLevel),
		result.Reasons,
	)

	return database.MapPostgresError(err)
}

// CountByUserAtRisk returns how many events at the given risk level a user
// accumulated since a point in time
func (r *AnomalyAuditRepository) CountByUserAtRisk(ctx context.Context, userID string, riskLevel models.RiskLevel, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM anomaly_audit
		WHERE user_id = $1 AND risk_level = $2 AND event_time >= $3
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, userID, string(riskLevel), since).Scan(&count)
	return count, database.MapPostgresError(err)
}

// DeleteOlderThan prunes audit rows past the retention horizon
func (r *AnomalyAuditRepository) DeleteOlderThan(ctx context.Context, retentionDays int) error {
	query := `DELETE FROM anomaly_audit WHERE event_time < CURRENT_TIMESTAMP - $1 * INTERVAL '1 day'`
	_, err := r.db.Pool.Exec(ctx, query, retentionDays)
	return database.MapPostgresError(err)
}
