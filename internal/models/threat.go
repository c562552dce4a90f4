package models

import "time"

// ThreatRecord is one IP reputation entry from the external feed.
// Read-mostly; refreshed wholesale and cached in memory with a TTL.
type ThreatRecord struct {
	IPAddress       string    `json:"ip_address"`
	ThreatType      string    `json:"threat_type"`
	Severity        RiskLevel `json:"severity"`
	ConfidenceScore float64   `json:"confidence_score"`
	IsBlacklisted   bool      `json:"is_blacklisted"`
	IsWhitelisted   bool      `json:"is_whitelisted"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// ReputationResult is the published reputation verdict for one IP.
type ReputationResult struct {
	IPAddress         string
	IsThreat          bool
	RiskLevel         RiskLevel
	Confidence        float64
	RecommendedAction Action
	// Stale is set when the feed is unavailable and a cached or default
	// verdict is being served.
	Stale bool
}
