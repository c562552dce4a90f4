package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tfoster/palisade/internal/baseline"
	"github.com/tfoster/palisade/internal/models"
)

// Reason labels for triggered deviation flags, reported most-severe first.
const (
	ReasonNewLocation  = "new_location"
	ReasonHighVelocity = "high_velocity"
	ReasonNewDevice    = "new_device"
	ReasonDeviation    = "behavior_deviation"
	ReasonOffHours     = "off_hours"
)

// AuditSink records scored events for audit history. Writes happen
// asynchronously; the scoring verdict never waits on them.
type AuditSink interface {
	RecordAnomaly(ctx context.Context, event *models.BehaviorEvent, result *models.AnomalyResult) error
}

// Config holds the tunable weights and thresholds. The defaults in the
// config package are reasonable starting points, not calibrated constants.
type Config struct {
	NewLocationWeight  float64
	NewDeviceWeight    float64
	OffHoursWeight     float64
	HighVelocityWeight float64
	DeviationWeight    float64

	VelocityMultiplier    float64
	OffHoursTolerance     int
	AnomalousThreshold    float64
	DeviationThreshold    float64
	AnomalousLearningRate float64
	MaxSmoothingSamples   int
	MaxTrackedValues      int
}

// Scorer compares live behavior events against the user's rolling baseline
// and emits a risk score with explainable reasons. It owns all baseline
// mutation: the store is only ever written through Score.
type Scorer struct {
	store  baseline.Store
	cfg    Config
	sink   AuditSink
	logger *slog.Logger
}

func NewScorer(store baseline.Store, cfg Config, sink AuditSink, logger *slog.Logger) *Scorer {
	return &Scorer{
		store:  store,
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}
}

// Score evaluates one event. The very first observed event for a user
// establishes the baseline and is never flagged. If the baseline store is
// unavailable the scorer still returns a best-effort verdict and surfaces
// models.ErrTransientStore separately; scoring outranks durability on the
// request path.
func (s *Scorer) Score(ctx context.Context, event *models.BehaviorEvent) (models.AnomalyResult, error) {
	bl, err := s.store.Get(ctx, event.UserID)
	if err != nil && err != models.ErrNotFound {
		s.logger.Error("baseline store unavailable, scoring without history",
			slog.String("user_id", event.UserID),
			slog.Any("error", err))
		result := coldStartResult()
		s.auditAsync(event, &result)
		return result, fmt.Errorf("%w: %v", models.ErrTransientStore, err)
	}

	if bl == nil || bl.SampleCount == 0 {
		result := coldStartResult()
		if _, err := s.store.Update(ctx, event.UserID, func(current *models.UserBaseline) *models.UserBaseline {
			if current != nil && current.SampleCount > 0 {
				// Another event seeded first; fold this one in instead.
				return s.fold(current, event, &result)
			}
			return seedBaseline(event)
		}); err != nil {
			s.auditAsync(event, &result)
			return result, fmt.Errorf("%w: %v", models.ErrTransientStore, err)
		}
		s.auditAsync(event, &result)
		return result, nil
	}

	result := s.evaluate(bl, event)

	if _, err := s.store.Update(ctx, event.UserID, func(current *models.UserBaseline) *models.UserBaseline {
		if current == nil {
			return seedBaseline(event)
		}
		return s.fold(current, event, &result)
	}); err != nil {
		s.auditAsync(event, &result)
		return result, fmt.Errorf("%w: %v", models.ErrTransientStore, err)
	}

	s.auditAsync(event, &result)
	return result, nil
}

type flag struct {
	reason string
	weight float64
}

// evaluate computes the per-dimension deviation flags and aggregate score.
func (s *Scorer) evaluate(bl *models.UserBaseline, event *models.BehaviorEvent) models.AnomalyResult {
	var flags []flag

	if event.Location != "" && !bl.KnowsLocation(event.Location) {
		flags = append(flags, flag{ReasonNewLocation, s.cfg.NewLocationWeight})
	}
	if event.Device != "" && !bl.KnowsDevice(event.Device) {
		flags = append(flags, flag{ReasonNewDevice, s.cfg.NewDeviceWeight})
	}
	if !bl.TypicalActiveHours.Contains(event.Timestamp.Hour(), s.cfg.OffHoursTolerance) {
		flags = append(flags, flag{ReasonOffHours, s.cfg.OffHoursWeight})
	}
	if bl.TypicalActionsPerMinute > 0 && event.ActionsPerMinute > bl.TypicalActionsPerMinute*s.cfg.VelocityMultiplier {
		flags = append(flags, flag{ReasonHighVelocity, s.cfg.HighVelocityWeight})
	}
	if deviationFromBaseline(bl, event) >= s.cfg.DeviationThreshold {
		flags = append(flags, flag{ReasonDeviation, s.cfg.DeviationWeight})
	}

	score := 0.0
	for _, f := range flags {
		score += f.weight
	}
	score = math.Min(score, 1.0)

	// Most-severe first; ties keep evaluation order
	sort.SliceStable(flags, func(i, j int) bool { return flags[i].weight > flags[j].weight })
	reasons := make([]string, 0, len(flags))
	for _, f := range flags {
		reasons = append(reasons, f.reason)
	}

	return models.AnomalyResult{
		IsAnomalous: score >= s.cfg.AnomalousThreshold,
		Score:       score,
		RiskLevel:   riskLevel(score),
		Reasons:     reasons,
	}
}

// fold updates the baseline with the event via exponential moving averages.
// The smoothing factor shrinks as the sample count grows, and anomalous
// events learn at a reduced rate so a single burst of unusual behavior does
// not get normalized immediately while repeated behavior still shifts the
// baseline over time.
func (s *Scorer) fold(bl *models.UserBaseline, event *models.BehaviorEvent, result *models.AnomalyResult) *models.UserBaseline {
	n := bl.SampleCount + 1
	if n > s.cfg.MaxSmoothingSamples {
		n = s.cfg.MaxSmoothingSamples
	}
	alpha := 1.0 / float64(n)
	if result.IsAnomalous {
		alpha *= s.cfg.AnomalousLearningRate
	}

	bl.TypicalSessionDuration += time.Duration(alpha * float64(event.SessionDuration-bl.TypicalSessionDuration))
	bl.TypicalActionsPerMinute += alpha * (event.ActionsPerMinute - bl.TypicalActionsPerMinute)

	hour := event.Timestamp.Hour()
	if !result.IsAnomalous {
		// Unflagged behavior joins the profile immediately.
		if event.Location != "" && !bl.KnowsLocation(event.Location) {
			bl.TypicalLocations = appendCapped(bl.TypicalLocations, event.Location, s.cfg.MaxTrackedValues)
			delete(bl.PendingLocations, event.Location)
		}
		if event.Device != "" && !bl.KnowsDevice(event.Device) {
			bl.TypicalDevices = appendCapped(bl.TypicalDevices, event.Device, s.cfg.MaxTrackedValues)
			delete(bl.PendingDevices, event.Device)
		}
		bl.TypicalActiveHours = widenHours(bl.TypicalActiveHours, hour)
		delete(bl.PendingHours, hour)
	} else {
		// Flagged values learn at the reduced rate via recurrence counting:
		// a value is promoted once it recurs roughly 1/learningRate times,
		// so a user who genuinely relocated converges to a clean score
		// instead of being flagged forever.
		admitAfter := s.recurrencesToAdmit()
		if event.Location != "" && !bl.KnowsLocation(event.Location) {
			bl.PendingLocations = bumpPending(bl.PendingLocations, event.Location, s.cfg.MaxTrackedValues)
			if bl.PendingLocations[event.Location] >= admitAfter {
				delete(bl.PendingLocations, event.Location)
				bl.TypicalLocations = appendCapped(bl.TypicalLocations, event.Location, s.cfg.MaxTrackedValues)
			}
		}
		if event.Device != "" && !bl.KnowsDevice(event.Device) {
			bl.PendingDevices = bumpPending(bl.PendingDevices, event.Device, s.cfg.MaxTrackedValues)
			if bl.PendingDevices[event.Device] >= admitAfter {
				delete(bl.PendingDevices, event.Device)
				bl.TypicalDevices = appendCapped(bl.TypicalDevices, event.Device, s.cfg.MaxTrackedValues)
			}
		}
		if !bl.TypicalActiveHours.Contains(hour, 0) {
			bl.PendingHours = bumpPending(bl.PendingHours, hour, 24)
			if bl.PendingHours[hour] >= admitAfter {
				delete(bl.PendingHours, hour)
				bl.TypicalActiveHours = widenHours(bl.TypicalActiveHours, hour)
			}
		}
	}

	bl.SampleCount++
	return bl
}

// recurrencesToAdmit translates the reduced learning rate into the number of
// flagged recurrences a structural value needs before joining the profile.
func (s *Scorer) recurrencesToAdmit() int {
	if s.cfg.AnomalousLearningRate <= 0 {
		return math.MaxInt
	}
	n := int(math.Round(1 / s.cfg.AnomalousLearningRate))
	if n < 1 {
		n = 1
	}
	return n
}

// bumpPending increments the recurrence counter for a flagged value. When the
// table is full a new value evicts the least-recurred entry.
func bumpPending[K comparable](pending map[K]int, key K, limit int) map[K]int {
	if pending == nil {
		pending = make(map[K]int, 1)
	}
	if _, tracked := pending[key]; !tracked && len(pending) >= limit {
		var evict K
		lowest := math.MaxInt
		for k, count := range pending {
			if count < lowest {
				evict, lowest = k, count
			}
		}
		delete(pending, evict)
	}
	pending[key]++
	return pending
}

func (s *Scorer) auditAsync(event *models.BehaviorEvent, result *models.AnomalyResult) {
	if s.sink == nil {
		return
	}

	eventCopy := *event
	resultCopy := *result

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.sink.RecordAnomaly(ctx, &eventCopy, &resultCopy); err != nil {
			s.logger.Error("failed to record anomaly audit entry",
				slog.String("user_id", eventCopy.UserID),
				slog.Any("error", err))
		}
	}()
}

func coldStartResult() models.AnomalyResult {
	return models.AnomalyResult{
		IsAnomalous: false,
		Score:       0,
		RiskLevel:   models.RiskLow,
		Reasons:     nil,
	}
}

func seedBaseline(event *models.BehaviorEvent) *models.UserBaseline {
	bl := &models.UserBaseline{
		UserID:                  event.UserID,
		TypicalActiveHours:      models.HourInterval{Start: event.Timestamp.Hour(), End: event.Timestamp.Hour()},
		TypicalSessionDuration:  event.SessionDuration,
		TypicalActionsPerMinute: event.ActionsPerMinute,
		SampleCount:             1,
	}
	if event.Location != "" {
		bl.TypicalLocations = []string{event.Location}
	}
	if event.Device != "" {
		bl.TypicalDevices = []string{event.Device}
	}
	return bl
}

// deviationFromBaseline is the weighted combination of normalized distances
// across session duration and action velocity relative to the baseline.
func deviationFromBaseline(bl *models.UserBaseline, event *models.BehaviorEvent) float64 {
	durDev := normalizedDistance(float64(event.SessionDuration), float64(bl.TypicalSessionDuration))
	apmDev := normalizedDistance(event.ActionsPerMinute, bl.TypicalActionsPerMinute)
	return 0.5*durDev + 0.5*apmDev
}

func normalizedDistance(observed, typical float64) float64 {
	if typical <= 0 {
		return 0
	}
	return math.Min(math.Abs(observed-typical)/typical, 1.0)
}

func riskLevel(score float64) models.RiskLevel {
	switch {
	case score < 0.25:
		return models.RiskLow
	case score < 0.5:
		return models.RiskMedium
	case score < 0.75:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

func appendCapped(values []string, value string, limit int) []string {
	values = append(values, value)
	if len(values) > limit {
		values = values[len(values)-limit:]
	}
	return values
}

// widenHours grows the active interval minimally to include the hour.
func widenHours(h models.HourInterval, hour int) models.HourInterval {
	if h.Contains(hour, 0) {
		return h
	}

	// Cyclic distance from each edge; extend whichever edge is closer
	fromEnd := ((hour - h.End) + 24) % 24
	fromStart := ((h.Start - hour) + 24) % 24

	if fromEnd <= fromStart {
		h.End = hour
	} else {
		h.Start = hour
	}
	return h
}
