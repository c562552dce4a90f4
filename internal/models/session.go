package models

import "time"

// SessionState is the session lifecycle state. Suspicious is an orthogonal
// flag on an active session, not a lifecycle state.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionTerminated SessionState = "terminated"
)

// UserSession tracks one authenticated session. Multiple sessions per user
// are allowed; each is independently terminable.
type UserSession struct {
	SessionToken     string
	UserID           string
	IPAddress        string
	Device           string
	State            SessionState
	IsTrusted        bool
	IsSuspicious     bool
	SuspiciousReason string
	FixedDuration    bool
	RequestCount     int
	CreatedAt        time.Time
	LastActivityAt   time.Time
	ExpiresAt        time.Time
	TerminatedAt     *time.Time
	StepUpVerifiedAt *time.Time
}

// StepUpSatisfied reports whether a step-up verification is still in effect.
func (s *UserSession) StepUpSatisfied(now time.Time, validity time.Duration) bool {
	return s.StepUpVerifiedAt != nil && now.Sub(*s.StepUpVerifiedAt) < validity
}

// Expired reports whether the session passed its expiry at the given time.
func (s *UserSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ActionsPerMinute derives the session's observed action velocity.
func (s *UserSession) ActionsPerMinute(now time.Time) float64 {
	elapsed := now.Sub(s.CreatedAt).Minutes()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(s.RequestCount) / elapsed
}
