package decision_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfoster/palisade/internal/anomaly"
	"github.com/tfoster/palisade/internal/baseline"
	"github.com/tfoster/palisade/internal/decision"
	"github.com/tfoster/palisade/internal/lockout"
	"github.com/tfoster/palisade/internal/models"
	"github.com/tfoster/palisade/internal/ratelimit"
	"github.com/tfoster/palisade/internal/session"
	"github.com/tfoster/palisade/internal/threatintel"
)

type fixture struct {
	aggregator *decision.Aggregator
	lockouts   *lockout.Guard
	scorer     *anomaly.Scorer
	sessions   *session.Manager
}

func newFixture(t *testing.T, threats ...*models.ThreatRecord) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), logger)

	lockouts := lockout.NewGuard(lockout.Config{
		MaxAttempts:       5,
		ObservationWindow: 15 * time.Minute,
		LockoutDuration:   15 * time.Minute,
	}, nil, logger)

	scorer := anomaly.NewScorer(baseline.NewMemoryStore(), anomaly.Config{
		NewLocationWeight:     0.3,
		NewDeviceWeight:       0.25,
		OffHoursWeight:        0.15,
		HighVelocityWeight:    0.3,
		DeviationWeight:       0.2,
		VelocityMultiplier:    3.0,
		OffHoursTolerance:     1,
		AnomalousThreshold:    0.5,
		DeviationThreshold:    0.5,
		AnomalousLearningRate: 0.1,
		MaxSmoothingSamples:   100,
		MaxTrackedValues:      32,
	}, nil, logger)

	cache := threatintel.NewCache(&threatintel.StaticFeedClient{Records: threats}, threatintel.Config{
		EntryTTL:        time.Minute,
		RefreshInterval: time.Minute,
		FailClosed:      true,
	}, logger)
	require.NoError(t, cache.Refresh(context.Background()))

	sessions := session.NewManager(session.Config{TTL: time.Hour}, logger)

	return &fixture{
		aggregator: decision.NewAggregator(limiter, lockouts, scorer, cache, sessions, logger),
		lockouts:   lockouts,
		scorer:     scorer,
		sessions:   sessions,
	}
}

func baseRequest() decision.Request {
	return decision.Request{
		Identity:    models.ClientIdentity{Key: "user-42", Kind: models.IdentityUser},
		IPAddress:   "10.0.0.1",
		EndpointKey: "GET /api/sessions",
		Limit:       100,
		Window:      time.Minute,
	}
}

func TestAggregator_AllowsNormalRequest(t *testing.T) {
	f := newFixture(t)

	d := f.aggregator.Decide(context.Background(), baseRequest())

	assert.Equal(t, models.ActionAllow, d.Action)
	assert.Empty(t, d.Reasons)
	require.NotNil(t, d.RateLimit)
	assert.Equal(t, 99, d.RateLimit.Remaining)
}

func TestAggregator_BlacklistedIPBlocksRegardlessOfBudget(t *testing.T) {
	f := newFixture(t, &models.ThreatRecord{IPAddress: "203.0.113.7", IsBlacklisted: true})

	req := baseRequest()
	req.IPAddress = "203.0.113.7"

	d := f.aggregator.Decide(context.Background(), req)

	assert.Equal(t, models.ActionBlock, d.Action)
	assert.Contains(t, d.Reasons, decision.ReasonIPBlacklisted)
}

func TestAggregator_LockedAccountBlocksAuthEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.lockouts.RecordFailure(ctx, "user-42", "10.0.0.1", "bad_password")
	}

	req := baseRequest()
	req.IsAuthEndpoint = true
	req.CredentialKey = "user-42"

	d := f.aggregator.Decide(ctx, req)

	assert.Equal(t, models.ActionBlock, d.Action)
	assert.Contains(t, d.Reasons, decision.ReasonAccountLocked)
	require.NotNil(t, d.LockedUntil)
	assert.True(t, d.LockedUntil.After(time.Now()))
}

func TestAggregator_LockedAccountStillAllowedOnNonAuthEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.lockouts.RecordFailure(ctx, "user-42", "10.0.0.1", "bad_password")
	}

	req := baseRequest()
	req.CredentialKey = "user-42"

	d := f.aggregator.Decide(ctx, req)

	assert.Equal(t, models.ActionAllow, d.Action)
	assert.Contains(t, d.Reasons, decision.ReasonAccountLocked, "lockout surfaces as informational context")
}

func TestAggregator_RateLimitBlocksWithRetryAfter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := baseRequest()
	req.Limit = 2

	for i := 0; i < 2; i++ {
		d := f.aggregator.Decide(ctx, req)
		require.Equal(t, models.ActionAllow, d.Action)
	}

	d := f.aggregator.Decide(ctx, req)
	assert.Equal(t, models.ActionBlock, d.Action)
	assert.Contains(t, d.Reasons, decision.ReasonRateLimitExceeded)
	require.NotNil(t, d.RetryAfter)
	assert.Greater(t, *d.RetryAfter, time.Duration(0))
}

func TestAggregator_CriticalAnomalyChallenges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	// Establish a baseline first
	_, err := f.scorer.Score(ctx, &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        ts,
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Berlin",
		Device:           "device-abc",
	})
	require.NoError(t, err)

	req := baseRequest()
	req.Event = &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		SessionDuration:  5 * time.Hour,
		ActionsPerMinute: 20.0,
		Location:         "Sydney",
		Device:           "device-xyz",
	}

	d := f.aggregator.Decide(ctx, req)

	assert.Equal(t, models.ActionChallenge, d.Action)
	assert.Contains(t, d.Reasons, decision.ReasonAnomalyCritical)
	assert.Contains(t, d.Reasons, anomaly.ReasonNewLocation)
}

func TestAggregator_StepUpGrantSuppressesChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := f.scorer.Score(ctx, &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        ts,
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Berlin",
		Device:           "device-abc",
	})
	require.NoError(t, err)

	s := f.sessions.CreateSession("user-42", "10.0.0.1", "device-abc")
	require.NoError(t, f.sessions.RecordStepUp(s.SessionToken))

	// Critical anomaly: everything about the event is unusual
	req := baseRequest()
	req.SessionToken = s.SessionToken
	req.Event = &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		SessionDuration:  5 * time.Hour,
		ActionsPerMinute: 20.0,
		Location:         "Sydney",
		Device:           "device-xyz",
	}

	d := f.aggregator.Decide(ctx, req)

	assert.Equal(t, models.ActionAllow, d.Action, "a live step-up grant must not be re-challenged")
	assert.Contains(t, d.Reasons, decision.ReasonAnomalyCritical)
}

func TestAggregator_HighAnomalyAllowsButFlagsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := f.scorer.Score(ctx, &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        ts,
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Berlin",
		Device:           "device-abc",
	})
	require.NoError(t, err)

	s := f.sessions.CreateSession("user-42", "10.0.0.1", "device-abc")

	// New location + new device: 0.55, HIGH but not critical
	req := baseRequest()
	req.SessionToken = s.SessionToken
	req.Event = &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        ts.Add(time.Minute),
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Sydney",
		Device:           "device-xyz",
	}

	d := f.aggregator.Decide(ctx, req)

	assert.Equal(t, models.ActionAllow, d.Action)
	assert.True(t, d.MarkSuspicious)
	assert.Contains(t, d.Reasons, decision.ReasonAnomalyHigh)

	flagged, err := f.sessions.Get(s.SessionToken)
	require.NoError(t, err)
	assert.True(t, flagged.IsSuspicious)
}

func TestAggregator_BlacklistOutranksLockoutAndRateLimit(t *testing.T) {
	f := newFixture(t, &models.ThreatRecord{IPAddress: "203.0.113.7", IsBlacklisted: true})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.lockouts.RecordFailure(ctx, "user-42", "203.0.113.7", "bad_password")
	}

	req := baseRequest()
	req.IPAddress = "203.0.113.7"
	req.IsAuthEndpoint = true
	req.CredentialKey = "user-42"
	req.Limit = 1

	// Exhaust the rate budget too
	f.aggregator.Decide(ctx, baseRequest())

	d := f.aggregator.Decide(ctx, req)
	assert.Equal(t, models.ActionBlock, d.Action)
	assert.Equal(t, []string{decision.ReasonIPBlacklisted}, d.Reasons)
}
