package decision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tfoster/palisade/internal/anomaly"
	"github.com/tfoster/palisade/internal/lockout"
	"github.com/tfoster/palisade/internal/models"
	"github.com/tfoster/palisade/internal/ratelimit"
	"github.com/tfoster/palisade/internal/session"
	"github.com/tfoster/palisade/internal/threatintel"
)

// Reason labels surfaced on decisions.
const (
	ReasonIPBlacklisted     = "ip_blacklisted"
	ReasonAccountLocked     = "account_locked"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
	ReasonAnomalyCritical   = "anomaly_critical"
	ReasonAnomalyHigh       = "anomaly_high"
)

// Request carries everything the aggregator needs for one inbound request.
// CredentialKey, Event and SessionToken are optional signals; absence means
// "no opinion" for the corresponding precedence rung.
type Request struct {
	Identity       models.ClientIdentity
	IPAddress      string
	EndpointKey    string
	Limit          int
	Window         time.Duration
	IsAuthEndpoint bool

	CredentialKey string
	Event         *models.BehaviorEvent
	SessionToken  string
}

// Aggregator combines the rate-limit verdict, lockout state, anomaly score
// and threat intelligence into one allow/challenge/block decision.
type Aggregator struct {
	limiter  *ratelimit.Limiter
	lockouts *lockout.Guard
	scorer   *anomaly.Scorer
	threats  *threatintel.Cache
	sessions *session.Manager
	logger   *slog.Logger
}

func NewAggregator(
	limiter *ratelimit.Limiter,
	lockouts *lockout.Guard,
	scorer *anomaly.Scorer,
	threats *threatintel.Cache,
	sessions *session.Manager,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		limiter:  limiter,
		lockouts: lockouts,
		scorer:   scorer,
		threats:  threats,
		sessions: sessions,
		logger:   logger,
	}
}

// Decide runs the leaf checks concurrently, then applies precedence in
// order: blacklist, lockout, rate limit, critical anomaly (challenge), high
// anomaly (allow but flag), allow. Runtime faults in any check degrade to a
// conservative default instead of failing the request.
func (a *Aggregator) Decide(ctx context.Context, req Request) models.Decision {
	var (
		reputation models.ReputationResult
		lockState  models.AccountLockoutState
		rateResult models.RateLimitResult
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reputation = a.threats.CheckReputation(gctx, req.IPAddress)
		return nil
	})

	g.Go(func() error {
		if req.CredentialKey != "" {
			lockState = a.lockouts.CheckLocked(req.CredentialKey)
		}
		return nil
	})

	g.Go(func() error {
		result, err := a.limiter.Check(gctx, req.Identity.Key, req.EndpointKey, req.Limit, req.Window)
		if err != nil && !errors.Is(err, models.ErrTransientStore) {
			return err
		}
		rateResult = result
		return nil
	})

	if err := g.Wait(); err != nil {
		// Leaf checks only surface degraded-mode errors; anything else is
		// unexpected but still must not fail the request.
		a.logger.Error("admission check failed, allowing with degraded signals", slog.Any("error", err))
	}

	// 1. Threat intelligence blacklist
	if reputation.IsThreat && reputation.RecommendedAction == models.ActionBlock {
		return models.Decision{
			Action:    models.ActionBlock,
			Reasons:   []string{ReasonIPBlacklisted},
			RateLimit: &rateResult,
		}
	}

	// 2. Account lockout: hard block on auth endpoints, informational
	// elsewhere (legitimate non-auth traffic continues)
	now := time.Now()
	if req.CredentialKey != "" && lockState.Locked(now) {
		if req.IsAuthEndpoint {
			return models.Decision{
				Action:      models.ActionBlock,
				Reasons:     []string{ReasonAccountLocked},
				LockedUntil: lockState.LockoutUntil,
				RateLimit:   &rateResult,
			}
		}
		return a.finishWithAnomaly(ctx, req, rateResult, []string{ReasonAccountLocked})
	}

	// 3. Rate limit
	if !rateResult.Allowed {
		retryAfter := time.Until(rateResult.ResetAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return models.Decision{
			Action:     models.ActionBlock,
			Reasons:    []string{ReasonRateLimitExceeded},
			RetryAfter: &retryAfter,
			RateLimit:  &rateResult,
		}
	}

	// 4/5. Anomaly scoring
	return a.finishWithAnomaly(ctx, req, rateResult, nil)
}

func (a *Aggregator) finishWithAnomaly(ctx context.Context, req Request, rateResult models.RateLimitResult, reasons []string) models.Decision {
	if req.Event == nil {
		return models.Decision{
			Action:    models.ActionAllow,
			Reasons:   reasons,
			RateLimit: &rateResult,
		}
	}

	result, err := a.scorer.Score(ctx, req.Event)
	if err != nil {
		a.logger.Warn("anomaly scoring degraded",
			slog.String("user_id", req.Event.UserID),
			slog.Any("error", err))
	}

	switch result.RiskLevel {
	case models.RiskCritical:
		// A session that recently passed a step-up challenge is not asked
		// again; the grant covers the grace period.
		if req.SessionToken != "" && a.sessions.StepUpSatisfied(req.SessionToken) {
			return models.Decision{
				Action:    models.ActionAllow,
				Reasons:   append(append([]string{ReasonAnomalyCritical}, result.Reasons...), reasons...),
				RateLimit: &rateResult,
			}
		}
		return models.Decision{
			Action:    models.ActionChallenge,
			Reasons:   append([]string{ReasonAnomalyCritical}, result.Reasons...),
			RateLimit: &rateResult,
		}
	case models.RiskHigh:
		if req.SessionToken != "" {
			if err := a.sessions.MarkSuspicious(req.SessionToken, ReasonAnomalyHigh); err != nil {
				a.logger.Warn("could not flag session",
					slog.String("session_token", req.SessionToken),
					slog.Any("error", err))
			}
		}
		return models.Decision{
			Action:         models.ActionAllow,
			Reasons:        append(append([]string{ReasonAnomalyHigh}, result.Reasons...), reasons...),
			MarkSuspicious: true,
			RateLimit:      &rateResult,
		}
	default:
		return models.Decision{
			Action:    models.ActionAllow,
			Reasons:   reasons,
			RateLimit: &rateResult,
		}
	}
}
