package models

import "time"

// LoginFailureRecord is a single failed authentication attempt. Append-only;
// persisted asynchronously for reporting and swept after expiry.
type LoginFailureRecord struct {
	ID            string     `db:"id"`
	CredentialKey string     `db:"credential_key"`
	IPAddress     string     `db:"ip_address"`
	AttemptTime   time.Time  `db:"attempt_time"`
	Reason        string     `db:"reason"`
	Geolocation   *string    `db:"geolocation"`
	ExpiresAt     time.Time  `db:"expires_at"`
}

// AccountLockoutState is the aggregated lockout view for one credential key.
// LockoutUntil is set only once FailedAttempts reaches the configured maximum
// and is cleared on successful login or window expiry.
type AccountLockoutState struct {
	CredentialKey  string
	FailedAttempts int
	LockoutUntil   *time.Time
	LastAttempt    time.Time
}

// Locked reports whether the account is under an active lockout at the given time.
func (s AccountLockoutState) Locked(now time.Time) bool {
	return s.LockoutUntil != nil && now.Before(*s.LockoutUntil)
}
