package models

import "time"

// RateWindow is a fixed-window request counter for one (identity, endpoint)
// pair. Owned exclusively by the rate limiter's window store; mutated only
// through its single increment path.
type RateWindow struct {
	IdentityKey string
	EndpointKey string
	Counter     int
	WindowStart time.Time
	WindowEnd   time.Time
}

// RateLimitResult is the published verdict for a single admission check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}
