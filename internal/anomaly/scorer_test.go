package anomaly_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfoster/palisade/internal/anomaly"
	"github.com/tfoster/palisade/internal/baseline"
	"github.com/tfoster/palisade/internal/models"
)

// FailingBaselineStore simulates an unavailable baseline store
type FailingBaselineStore struct{}

func (s *FailingBaselineStore) Get(ctx context.Context, userID string) (*models.UserBaseline, error) {
	return nil, errors.New("connection refused")
}

func (s *FailingBaselineStore) Update(ctx context.Context, userID string, fn baseline.UpdateFunc) (*models.UserBaseline, error) {
	return nil, errors.New("connection refused")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func defaultConfig() anomaly.Config {
	return anomaly.Config{
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
	}
}

func baselineEvent(ts time.Time) *models.BehaviorEvent {
	return &models.BehaviorEvent{
		UserID:           "user-42",
		IPAddress:        "10.0.0.1",
		ActionType:       "GET /api/sessions",
		Timestamp:        ts,
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Berlin",
		Device:           "device-abc",
	}
}

func TestScorer_FirstEventEstablishesBaseline(t *testing.T) {
	store := baseline.NewMemoryStore()
	scorer := anomaly.NewScorer(store, defaultConfig(), nil, testLogger())
	ctx := context.Background()

	result, err := scorer.Score(ctx, baselineEvent(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.False(t, result.IsAnomalous, "cold start must never flag")
	assert.Zero(t, result.Score)
	assert.Equal(t, models.RiskLow, result.RiskLevel)
	assert.Empty(t, result.Reasons)

	stored, err := store.Get(ctx, "user-42")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SampleCount)
	assert.Equal(t, []string{"Berlin"}, stored.TypicalLocations)
	assert.Equal(t, []string{"device-abc"}, stored.TypicalDevices)
}

func TestScorer_MatchingBehaviorScoresZero(t *testing.T) {
	store := baseline.NewMemoryStore()
	scorer := anomaly.NewScorer(store, defaultConfig(), nil, testLogger())
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := scorer.Score(ctx, baselineEvent(ts))
	require.NoError(t, err)

	result, err := scorer.Score(ctx, baselineEvent(ts.Add(time.Minute)))
	require.NoError(t, err)

	assert.False(t, result.IsAnomalous)
	assert.Zero(t, result.Score)
	assert.Equal(t, models.RiskLow, result.RiskLevel)
}

func TestScorer_AllFlagsYieldCritical(t *testing.T) {
	store := baseline.NewMemoryStore()
	scorer := anomaly.NewScorer(store, defaultConfig(), nil, testLogger())
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := scorer.Score(ctx, baselineEvent(ts))
	require.NoError(t, err)

	// New location, new device, off hours, 10x velocity and large deviation
	result, err := scorer.Score(ctx, &models.BehaviorEvent{
		UserID:           "user-42",
		IPAddress:        "203.0.113.7",
		ActionType:       "GET /api/sessions",
		Timestamp:        time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		SessionDuration:  5 * time.Hour,
		ActionsPerMinute: 20.0,
		Location:         "Sydney",
		Device:           "device-xyz",
	})
	require.NoError(t, err)

	assert.True(t, result.IsAnomalous)
	assert.Equal(t, 1.0, result.Score, "score is capped at 1.0")
	assert.Equal(t, models.RiskCritical, result.RiskLevel)
}

func TestScorer_ReasonsOrderedBySeverity(t *testing.T) {
	store := baseline.NewMemoryStore()
	scorer := anomaly.NewScorer(store, defaultConfig(), nil, testLogger())
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := scorer.Score(ctx, baselineEvent(ts))
	require.NoError(t, err)

	// New location (0.3) and new device (0.25), everything else typical
	result, err := scorer.Score(ctx, &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        ts.Add(time.Minute),
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Sydney",
		Device:           "device-xyz",
	})
	require.NoError(t, err)

	require.Len(t, result.Reasons, 2)
	assert.Equal(t, anomaly.ReasonNewLocation, result.Reasons[0])
	assert.Equal(t, anomaly.ReasonNewDevice, result.Reasons[1])
	assert.InDelta(t, 0.55, result.Score, 1e-9)
	assert.Equal(t, models.RiskHigh, result.RiskLevel)
}

func TestScorer_AnomalousEventsLearnSlowly(t *testing.T) {
	store := baseline.NewMemoryStore()
	scorer := anomaly.NewScorer(store, defaultConfig(), nil, testLogger())
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := scorer.Score(ctx, baselineEvent(ts))
	require.NoError(t, err)

	result, err := scorer.Score(ctx, &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        ts.Add(time.Minute),
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Sydney",
		Device:           "device-xyz",
	})
	require.NoError(t, err)
	require.True(t, result.IsAnomalous)

	stored, err := store.Get(ctx, "user-42")
	require.NoError(t, err)

	// A single flagged occurrence is only counted, not absorbed
	assert.NotContains(t, stored.TypicalLocations, "Sydney")
	assert.NotContains(t, stored.TypicalDevices, "device-xyz")
	assert.Equal(t, 1, stored.PendingLocations["Sydney"])
	assert.Equal(t, 1, stored.PendingDevices["device-xyz"])
	assert.Equal(t, 2, stored.SampleCount)
}

func TestScorer_RepeatedRelocationJoinsProfile(t *testing.T) {
	store := baseline.NewMemoryStore()
	scorer := anomaly.NewScorer(store, defaultConfig(), nil, testLogger())
	ctx := context.Background()

	_, err := scorer.Score(ctx, baselineEvent(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	// The user keeps working from a new city on a new device at 03:00
	relocated := func(minute int) *models.BehaviorEvent {
		return &models.BehaviorEvent{
			UserID:           "user-42",
			IPAddress:        "203.0.113.7",
			ActionType:       "GET /api/sessions",
			Timestamp:        time.Date(2026, 3, 11, 3, minute, 0, 0, time.UTC),
			SessionDuration:  30 * time.Minute,
			ActionsPerMinute: 2.0,
			Location:         "Sydney",
			Device:           "device-xyz",
		}
	}

	first, err := scorer.Score(ctx, relocated(0))
	require.NoError(t, err)
	require.True(t, first.IsAnomalous, "a fresh relocation must flag")

	var last models.AnomalyResult
	for minute := 1; minute < 30; minute++ {
		last, err = scorer.Score(ctx, relocated(minute))
		require.NoError(t, err)
	}

	assert.False(t, last.IsAnomalous, "recurring behavior must converge into the profile")
	assert.Zero(t, last.Score)

	stored, err := store.Get(ctx, "user-42")
	require.NoError(t, err)
	assert.Contains(t, stored.TypicalLocations, "Sydney")
	assert.Contains(t, stored.TypicalDevices, "device-xyz")
	assert.True(t, stored.TypicalActiveHours.Contains(3, 0), "recurring off-hours activity must widen the interval")
	assert.Empty(t, stored.PendingLocations)
	assert.Empty(t, stored.PendingDevices)
}

func TestScorer_NonAnomalousEventsGrowProfile(t *testing.T) {
	store := baseline.NewMemoryStore()
	scorer := anomaly.NewScorer(store, defaultConfig(), nil, testLogger())
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := scorer.Score(ctx, baselineEvent(ts))
	require.NoError(t, err)

	// Known device, typical numbers, only the location is new: below threshold
	result, err := scorer.Score(ctx, &models.BehaviorEvent{
		UserID:           "user-42",
		Timestamp:        ts.Add(time.Minute),
		SessionDuration:  30 * time.Minute,
		ActionsPerMinute: 2.0,
		Location:         "Hamburg",
		Device:           "device-abc",
	})
	require.NoError(t, err)
	require.False(t, result.IsAnomalous)

	stored, err := store.Get(ctx, "user-42")
	require.NoError(t, err)
	assert.Contains(t, stored.TypicalLocations, "Hamburg")
}

func TestScorer_StoreOutageDegradesGracefully(t *testing.T) {
	scorer := anomaly.NewScorer(&FailingBaselineStore{}, defaultConfig(), nil, testLogger())

	result, err := scorer.Score(context.Background(), baselineEvent(time.Now()))

	assert.ErrorIs(t, err, models.ErrTransientStore)
	assert.False(t, result.IsAnomalous, "degraded scoring must not flag")
	assert.Equal(t, models.RiskLow, result.RiskLevel)
}

func TestHourIntervalContains(t *testing.T) {
	tests := []struct {
		name      string
		interval  models.HourInterval
		hour      int
		tolerance int
		want      bool
	}{
		{"inside simple interval", models.HourInterval{Start: 9, End: 17}, 12, 0, true},
		{"outside simple interval", models.HourInterval{Start: 9, End: 17}, 3, 0, false},
		{"tolerance extends edge", models.HourInterval{Start: 9, End: 17}, 18, 1, true},
		{"wraps past midnight", models.HourInterval{Start: 22, End: 2}, 23, 0, true},
		{"wraps past midnight early", models.HourInterval{Start: 22, End: 2}, 1, 0, true},
		{"wraps past midnight outside", models.HourInterval{Start: 22, End: 2}, 12, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.interval.Contains(tt.hour, tt.tolerance))
		})
	}
}
