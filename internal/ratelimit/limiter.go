package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tfoster/palisade/internal/models"
)

// WindowStore owns all RateWindow state. Increment is the single mutation
// path: it creates a fresh window when none exists or the current one has
// expired, otherwise bumps the counter, atomically per key. Implementations
// exist for in-process memory (single instance) and Redis (shared cache for
// multi-instance deployments), keyed identically.
type WindowStore interface {
	Increment(ctx context.Context, identityKey, endpointKey string, window time.Duration) (*models.RateWindow, error)
}

// Limiter is the fixed-window admission control per (identity, endpoint).
type Limiter struct {
	store  WindowStore
	logger *slog.Logger
}

func NewLimiter(store WindowStore, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
	}
}

// Check admits or rejects one request against the (identityKey, endpointKey)
// window. Exactly limit requests succeed per window: the request that pushes
// the counter past the limit is itself rejected.
//
// On store errors the limiter fails open - availability faults must not block
// legitimate users - and surfaces the error so the caller can log and flag
// degraded mode.
func (l *Limiter) Check(ctx context.Context, identityKey, endpointKey string, limit int, window time.Duration) (models.RateLimitResult, error) {
	w, err := l.store.Increment(ctx, identityKey, endpointKey, window)
	if err != nil {
		l.logger.Error("rate window store unavailable, failing open",
			slog.String("identity_key", identityKey),
			slog.String("endpoint_key", endpointKey),
			slog.Any("error", err))
		return models.RateLimitResult{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - 1,
			ResetAt:   time.Now().Add(window),
		}, models.ErrTransientStore
	}

	remaining := limit - w.Counter
	if remaining < 0 {
		remaining = 0
	}

	result := models.RateLimitResult{
		Allowed:   w.Counter <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.WindowEnd,
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			slog.String("identity_key", identityKey),
			slog.String("endpoint_key", endpointKey),
			slog.Int("counter", w.Counter),
			slog.Int("limit", limit))
	}

	return result, nil
}
