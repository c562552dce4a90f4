package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tfoster/palisade/internal/models"
)

// FeedClient is the external reputation feed collaborator. Snapshot returns
// the full feed for the wholesale periodic refresh; Lookup resolves a single
// IP on cache miss. Returns models.ErrNotFound for IPs the feed has no
// opinion on.
type FeedClient interface {
	Snapshot(ctx context.Context) ([]*models.ThreatRecord, error)
	Lookup(ctx context.Context, ip string) (*models.ThreatRecord, error)
}

// HTTPFeedClient fetches reputation data from a JSON-over-HTTP feed.
type HTTPFeedClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFeedClient(baseURL string) *HTTPFeedClient {
	return &HTTPFeedClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPFeedClient) Snapshot(ctx context.Context) ([]*models.ThreatRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("threat feed snapshot failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("threat feed snapshot returned status %d", resp.StatusCode)
	}

	var records []*models.ThreatRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode threat feed: %w", err)
	}
	return records, nil
}

func (c *HTTPFeedClient) Lookup(ctx context.Context, ip string) (*models.ThreatRecord, error) {
	lookupURL := c.baseURL + "?ip=" + url.QueryEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("threat feed lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, models.ErrNotFound
	default:
		return nil, fmt.Errorf("threat feed lookup returned status %d", resp.StatusCode)
	}

	var record models.ThreatRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode threat record: %w", err)
	}
	return &record, nil
}

// StaticFeedClient serves a fixed record set; used when no feed is
// configured and in tests.
type StaticFeedClient struct {
	Records []*models.ThreatRecord
}

func (c *StaticFeedClient) Snapshot(ctx context.Context) ([]*models.ThreatRecord, error) {
	return c.Records, nil
}

func (c *StaticFeedClient) Lookup(ctx context.Context, ip string) (*models.ThreatRecord, error) {
	for _, r := range c.Records {
		if r.IPAddress == ip {
			return r, nil
		}
	}
	return nil, models.ErrNotFound
}
