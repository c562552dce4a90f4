package repositories

import (
	"context"
	"time"

	"github.com/tfoster/palisade/internal/database"
	"github.com/tfoster/palisade/internal/models"
)

// FailureLogRepository persists login failure records for forensic review.
// The lockout guard calls it asynchronously; in-memory lockout state is the
// source of truth and these rows are the durable audit trail.
type FailureLogRepository struct {
	db *database.DB
}

// NewFailureLogRepository creates a new FailureLogRepository
func NewFailureLogRepository(db *database.DB) *FailureLogRepository {
	return &FailureLogRepository{db: db}
}

// RecordFailure inserts a login failure record
func (r *FailureLogRepository) RecordFailure(ctx context.Context, record *models.LoginFailureRecord) error {
	query := `
		INSERT INTO login_failures (credential_key, ip_address, attempt_time, reason, geolocation, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		record.CredentialKey,
		record.IPAddress,
		record.AttemptTime,
		record.Reason,
		record.Geolocation,
		record.ExpiresAt,
	)

	return database.MapPostgresError(err)
}

// GetFailureCount returns the number of failures for a credential within a time window
func (r *FailureLogRepository) GetFailureCount(ctx context.Context, credentialKey string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_failures
		WHERE credential_key = $1 AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, credentialKey, since).Scan(&count)
	return count, database.MapPostgresError(err)
}

// GetFailureCountByIP returns the number of failures from an IP within a time window
func (r *FailureLogRepository) GetFailureCountByIP(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_failures
		WHERE ip_address = $1 AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, ipAddress, since).Scan(&count)
	return count, database.MapPostgresError(err)
}

// ListRecentFailures returns the most recent failures for a credential, newest first
func (r *FailureLogRepository) ListRecentFailures(ctx context.Context, credentialKey string, limit int) ([]*models.LoginFailureRecord, error) {
	query := `
		SELECT id, credential_key, ip_address, attempt_time, reason, geolocation, expires_at
		FROM login_failures
		WHERE credential_key = $1
		ORDER BY attempt_time DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, credentialKey, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	records := make([]*models.LoginFailureRecord, 0)
	for rows.Next() {
		var rec models.LoginFailureRecord
		if err := rows.Scan(
			&rec.ID, &rec.CredentialKey, &rec.IPAddress,
			&rec.AttemptTime, &rec.Reason, &rec.Geolocation, &rec.ExpiresAt,
		); err != nil {
			return nil, database.MapPostgresError(err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// DeleteExpiredFailures removes failure records past their retention window
func (r *FailureLogRepository) DeleteExpiredFailures(ctx context.Context) error {
	query := `DELETE FROM login_failures WHERE expires_at <= CURRENT_TIMESTAMP`
	_, err := r.db.Pool.Exec(ctx, query)
	return database.MapPostgresError(err)
}
