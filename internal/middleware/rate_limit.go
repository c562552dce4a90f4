package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// EdgeRateLimitConfig holds the coarse per-IP edge limit applied before any
// identity resolution. The fine-grained identity-aware limiter runs later in
// the admission guard.
type EdgeRateLimitConfig struct {
	RequestsPerMinute int
}

// RateLimitByIP creates a middleware that rate limits requests by client IP
func RateLimitByIP(config EdgeRateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limit_exceeded","message":"Too many requests"}`))
		}),
	)
}
