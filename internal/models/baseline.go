package models

import (
	"maps"
	"slices"
	"time"
)

// HourInterval is an inclusive range of hours of the day [Start, End].
// The interval may wrap past midnight (Start > End).
type HourInterval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls inside the interval widened by
// tolerance hours on both sides.
func (h HourInterval) Contains(hour, tolerance int) bool {
	start := (h.Start - tolerance + 24) % 24
	end := (h.End + tolerance) % 24

	if start <= end {
		return hour >= start && hour <= end
	}
	// Wraps past midnight
	return hour >= start || hour <= end
}

// Width returns the interval length in hours, accounting for wrap.
func (h HourInterval) Width() int {
	if h.Start <= h.End {
		return h.End - h.Start
	}
	return 24 - h.Start + h.End
}

// UserBaseline is the rolling statistical profile of a user's normal
// behavior. Mutated incrementally via exponential moving averages by the
// anomaly scorer; never overwritten wholesale. Created lazily on the first
// observed event for a user.
type UserBaseline struct {
	UserID                  string        `json:"user_id"`
	TypicalLocations        []string      `json:"typical_locations"`
	TypicalDevices          []string      `json:"typical_devices"`
	TypicalActiveHours      HourInterval  `json:"typical_active_hours"`
	TypicalSessionDuration  time.Duration `json:"typical_session_duration"`
	TypicalActionsPerMinute float64       `json:"typical_actions_per_minute"`
	LastUpdated             time.Time     `json:"last_updated"`
	SampleCount             int           `json:"sample_count"`

	// Recurrence counters for values seen only in flagged events. A value
	// that keeps recurring is promoted into the typical set by the scorer;
	// a one-off burst never is.
	PendingLocations map[string]int `json:"pending_locations,omitempty"`
	PendingDevices   map[string]int `json:"pending_devices,omitempty"`
	PendingHours     map[int]int    `json:"pending_hours,omitempty"`
}

// KnowsLocation reports whether the location is part of the profile.
func (b *UserBaseline) KnowsLocation(location string) bool {
	return slices.Contains(b.TypicalLocations, location)
}

// KnowsDevice reports whether the device is part of the profile.
func (b *UserBaseline) KnowsDevice(device string) bool {
	return slices.Contains(b.TypicalDevices, device)
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (b *UserBaseline) Clone() *UserBaseline {
	if b == nil {
		return nil
	}
	c := *b
	c.TypicalLocations = slices.Clone(b.TypicalLocations)
	c.TypicalDevices = slices.Clone(b.TypicalDevices)
	c.PendingLocations = maps.Clone(b.PendingLocations)
	c.PendingDevices = maps.Clone(b.PendingDevices)
	c.PendingHours = maps.Clone(b.PendingHours)
	return &c
}

// BehaviorEvent is one observed authenticated action. Ephemeral input to the
// anomaly scorer; not retained beyond audit logging.
type BehaviorEvent struct {
	UserID           string
	IPAddress        string
	ActionType       string
	Timestamp        time.Time
	SessionDuration  time.Duration
	ActionsPerMinute float64
	Location         string
	Device           string
}

// RiskLevel classifies a continuous anomaly score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AnomalyResult is the scorer's verdict for a single behavior event.
// Derived state; stored only for audit history.
type AnomalyResult struct {
	IsAnomalous bool
	Score       float64
	RiskLevel   RiskLevel
	Reasons     []string
}
