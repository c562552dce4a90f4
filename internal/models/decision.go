package models

import "time"

// Action is the final admission outcome for an inbound request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
	ActionMonitor   Action = "monitor"
)

// Decision aggregates the rate-limit verdict, lockout state, anomaly score
// and threat intelligence into a single outcome for the request pipeline.
type Decision struct {
	Action  Action
	Reasons []string

	// RetryAfter is set when the block came from the rate limiter.
	RetryAfter *time.Duration
	// LockedUntil is set when the block came from an account lockout.
	LockedUntil *time.Time
	// MarkSuspicious signals the caller's session was flagged but the
	// request may proceed.
	MarkSuspicious bool

	// RateLimit carries the limiter verdict so the boundary can emit
	// standard rate-limit headers.
	RateLimit *RateLimitResult
}
