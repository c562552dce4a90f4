package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("resource already exists")
	ErrBadRequest = errors.New("bad request")

	// Degraded-mode errors: runtime faults that must never fail the request
	// path. Callers log them and fall back to a conservative default.
	ErrTransientStore        = errors.New("persistence store unavailable")
	ErrIdentityResolution    = errors.New("client identity not derivable")
	ErrThreatFeedUnavailable = errors.New("threat intelligence feed unavailable")

	// Session state errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session is terminated")
)
