package threatintel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tfoster/palisade/internal/models"
)

// Config holds cache and refresh policy.
type Config struct {
	EntryTTL        time.Duration
	RefreshInterval time.Duration
	// FailClosed keeps serving blacklist verdicts from a stale snapshot
	// when the feed is down, instead of degrading those IPs to allow.
	FailClosed bool
}

// Cache answers IP reputation checks from memory. The full feed snapshot is
// refreshed wholesale on an interval and swapped atomically so readers are
// never blocked; on-demand single-IP lookups land in a TTL cache. Feed
// outages trip a circuit breaker and the cache serves stale verdicts with a
// staleness flag rather than failing requests.
type Cache struct {
	feed    FeedClient
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[*models.ThreatRecord]

	snapshot    atomic.Pointer[map[string]*models.ThreatRecord]
	lastRefresh atomic.Int64
	lookups     *gocache.Cache
	group       singleflight.Group

	stopCh chan struct{}
}

func NewCache(feed FeedClient, cfg Config, logger *slog.Logger) *Cache {
	c := &Cache{
		feed:    feed,
		cfg:     cfg,
		logger:  logger,
		lookups: gocache.New(cfg.EntryTTL, cfg.EntryTTL*2),
		stopCh:  make(chan struct{}),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*models.ThreatRecord](gobreaker.Settings{
		Name:    "threat-feed",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("threat feed breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	empty := make(map[string]*models.ThreatRecord)
	c.snapshot.Store(&empty)
	return c
}

// CheckReputation resolves the reputation verdict for an IP. Whitelisted IPs
// short-circuit to "not a threat"; blacklisted IPs short-circuit to critical
// regardless of confidence. Never returns an error to the decision path;
// degraded results carry Stale=true.
func (c *Cache) CheckReputation(ctx context.Context, ip string) models.ReputationResult {
	stale := c.isStale()

	if record, ok := (*c.snapshot.Load())[ip]; ok {
		return c.derive(record, stale)
	}

	if cached, ok := c.lookups.Get(ip); ok {
		if record, ok := cached.(*models.ThreatRecord); ok {
			if record == nil {
				return cleanResult(ip, stale)
			}
			return c.derive(record, stale)
		}
	}

	// Cache miss: fetch through singleflight so a burst of requests from
	// one IP costs a single feed call.
	v, err, _ := c.group.Do(ip, func() (interface{}, error) {
		return c.breaker.Execute(func() (*models.ThreatRecord, error) {
			lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return c.feed.Lookup(lookupCtx, ip)
		})
	})

	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Feed has no opinion; cache the negative result
			c.lookups.Set(ip, (*models.ThreatRecord)(nil), gocache.DefaultExpiration)
			return cleanResult(ip, stale)
		}
		c.logger.Warn("threat feed lookup unavailable, serving default verdict",
			slog.String("ip_address", ip),
			slog.Any("error", fmt.Errorf("%w: %v", models.ErrThreatFeedUnavailable, err)))
		return cleanResult(ip, true)
	}

	record := v.(*models.ThreatRecord)
	c.lookups.Set(ip, record, gocache.DefaultExpiration)
	return c.derive(record, stale)
}

// Refresh replaces the snapshot wholesale. Readers keep using the previous
// snapshot until the atomic swap, so lookups never block on a refresh.
func (c *Cache) Refresh(ctx context.Context) error {
	records, err := c.feed.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrThreatFeedUnavailable, err)
	}

	next := make(map[string]*models.ThreatRecord, len(records))
	for _, r := range records {
		next[r.IPAddress] = r
	}

	c.snapshot.Store(&next)
	c.lastRefresh.Store(time.Now().UnixNano())

	c.logger.Info("threat intelligence snapshot refreshed",
		slog.Int("records", len(next)))
	return nil
}

// Run refreshes the snapshot on the configured interval until the context
// is cancelled or Stop is called.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("initial threat feed refresh failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("threat feed refresh failed, serving stale data", slog.Any("error", err))
			}
		case <-c.stopCh:
			c.logger.Info("threat intelligence refresher stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the refresh loop.
func (c *Cache) Stop() {
	close(c.stopCh)
}

// Stale reports whether the snapshot has missed at least two refresh cycles.
func (c *Cache) Stale() bool {
	return c.isStale()
}

func (c *Cache) isStale() bool {
	last := c.lastRefresh.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > c.cfg.RefreshInterval*2
}

func (c *Cache) derive(record *models.ThreatRecord, stale bool) models.ReputationResult {
	switch {
	case record.IsWhitelisted:
		return models.ReputationResult{
			IPAddress:         record.IPAddress,
			IsThreat:          false,
			RiskLevel:         models.RiskLow,
			Confidence:        1.0,
			RecommendedAction: models.ActionAllow,
			Stale:             stale,
		}
	case record.IsBlacklisted:
		// Fail closed: a stale blacklist verdict still blocks when policy
		// says so; otherwise staleness only annotates the result.
		action := models.ActionBlock
		if stale && !c.cfg.FailClosed {
			action = models.ActionMonitor
		}
		return models.ReputationResult{
			IPAddress:         record.IPAddress,
			IsThreat:          true,
			RiskLevel:         models.RiskCritical,
			Confidence:        1.0,
			RecommendedAction: action,
			Stale:             stale,
		}
	default:
		return models.ReputationResult{
			IPAddress:         record.IPAddress,
			IsThreat:          record.Severity == models.RiskHigh || record.Severity == models.RiskCritical,
			RiskLevel:         record.Severity,
			Confidence:        record.ConfidenceScore,
			RecommendedAction: actionForSeverity(record.Severity),
			Stale:             stale,
		}
	}
}

func cleanResult(ip string, stale bool) models.ReputationResult {
	return models.ReputationResult{
		IPAddress:         ip,
		IsThreat:          false,
		RiskLevel:         models.RiskLow,
		RecommendedAction: models.ActionAllow,
		Stale:             stale,
	}
}

func actionForSeverity(severity models.RiskLevel) models.Action {
	switch severity {
	case models.RiskCritical:
		return models.ActionBlock
	case models.RiskHigh:
		return models.ActionChallenge
	case models.RiskMedium:
		return models.ActionMonitor
	default:
		return models.ActionAllow
	}
}
