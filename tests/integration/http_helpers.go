package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tfoster/palisade/internal/anomaly"
	"github.com/tfoster/palisade/internal/baseline"
	"github.com/tfoster/palisade/internal/config"
	"github.com/tfoster/palisade/internal/decision"
	"github.com/tfoster/palisade/internal/handlers"
	"github.com/tfoster/palisade/internal/identity"
	"github.com/tfoster/palisade/internal/lockout"
	middlewareCustom "github.com/tfoster/palisade/internal/middleware"
	"github.com/tfoster/palisade/internal/models"
	"github.com/tfoster/palisade/internal/ratelimit"
	"github.com/tfoster/palisade/internal/routes"
	"github.com/tfoster/palisade/internal/session"
	"github.com/tfoster/palisade/internal/stepup"
	"github.com/tfoster/palisade/internal/threatintel"
	pkglogger "github.com/tfoster/palisade/pkg/logger"
)

const testJWTSecret = "integration-test-secret-32-chars!"

// TestServer wraps httptest.Server with the full middleware and handler stack.
// Stores are in-memory; the database is exercised separately by the
// repository tests.
type TestServer struct {
	Server   *httptest.Server
	Sessions *session.Manager
	Lockouts *lockout.Guard
	Threats  *threatintel.Cache
	Config   *config.Config

	logger *slog.Logger
}

// NewTestServer initializes a complete HTTP server with in-memory stores
func NewTestServer(threats ...*models.ThreatRecord) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Env:       "test",
			JWTSecret: testJWTSecret,
		},
		RateLimit: config.RateLimitConfig{
			Auth:                  config.EndpointLimit{MaxRequests: 20, WindowSeconds: time.Minute},
			API:                   config.EndpointLimit{MaxRequests: 100, WindowSeconds: time.Minute},
			Default:               config.EndpointLimit{MaxRequests: 50, WindowSeconds: time.Minute},
			EdgeRequestsPerMinute: 1000,
		},
		Lockout: config.LockoutConfig{
			MaxAttempts:       3,
			ObservationWindow: 15 * time.Minute,
			LockoutDuration:   15 * time.Minute,
		},
		Anomaly: config.AnomalyConfig{
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
		},
		Session: config.SessionConfig{TTL: time.Hour},
		ThreatIntel: config.ThreatIntelConfig{
			EntryTTL:        time.Minute,
			RefreshInterval: time.Minute,
			FailClosed:      true,
		},
		StepUp: config.StepUpConfig{
			Issuer:        "palisade-test",
			EncryptionKey: bytes.Repeat([]byte{0x2a}, 32),
		},
	}

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), logger)
	lockouts := lockout.NewGuard(lockout.Config{
		MaxAttempts:       cfg.Lockout.MaxAttempts,
		ObservationWindow: cfg.Lockout.ObservationWindow,
		LockoutDuration:   cfg.Lockout.LockoutDuration,
	}, nil, logger)
	scorer := anomaly.NewScorer(baseline.NewMemoryStore(), anomaly.Config{
		NewLocationWeight:     cfg.Anomaly.NewLocationWeight,
		NewDeviceWeight:       cfg.Anomaly.NewDeviceWeight,
		OffHoursWeight:        cfg.Anomaly.OffHoursWeight,
		HighVelocityWeight:    cfg.Anomaly.HighVelocityWeight,
		DeviationWeight:       cfg.Anomaly.DeviationWeight,
		VelocityMultiplier:    cfg.Anomaly.VelocityMultiplier,
		OffHoursTolerance:     cfg.Anomaly.OffHoursTolerance,
		AnomalousThreshold:    cfg.Anomaly.AnomalousThreshold,
		DeviationThreshold:    cfg.Anomaly.DeviationThreshold,
		AnomalousLearningRate: cfg.Anomaly.AnomalousLearningRate,
		MaxSmoothingSamples:   cfg.Anomaly.MaxSmoothingSamples,
		MaxTrackedValues:      cfg.Anomaly.MaxTrackedValues,
	}, nil, logger)

	threatCache := threatintel.NewCache(&threatintel.StaticFeedClient{Records: threats}, threatintel.Config{
		EntryTTL:        cfg.ThreatIntel.EntryTTL,
		RefreshInterval: cfg.ThreatIntel.RefreshInterval,
		FailClosed:      cfg.ThreatIntel.FailClosed,
	}, logger)
	if err := threatCache.Refresh(context.Background()); err != nil {
		return nil, err
	}

	sessions := session.NewManager(session.Config{TTL: cfg.Session.TTL}, logger)
	aggregator := decision.NewAggregator(limiter, lockouts, scorer, threatCache, sessions, logger)
	resolver := identity.NewResolver(cfg.Server.JWTSecret, logger)
	auditLogger := pkglogger.NewAuditLogger(logger)
	guard := middlewareCustom.NewGuard(resolver, aggregator, sessions, auditLogger, cfg.RateLimit, logger)

	challenges, err := stepup.NewChallengeManager(cfg.StepUp.EncryptionKey, cfg.StepUp.Issuer)
	if err != nil {
		return nil, err
	}

	sessionHandler := handlers.NewSessionHandler(sessions, auditLogger, logger)
	stepUpHandler := handlers.NewStepUpHandler(challenges, sessions, auditLogger, logger)
	reportHandler := handlers.NewReportHandler(lockouts, sessions, auditLogger, logger)
	healthHandler := handlers.NewHealthHandler(nil, threatCache, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, guard, sessionHandler, stepUpHandler, reportHandler, healthHandler, cfg.RateLimit)

	return &TestServer{
		Server:   httptest.NewServer(r),
		Sessions: sessions,
		Lockouts: lockouts,
		Threats:  threatCache,
		Config:   cfg,
		logger:   logger,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// AuthToken signs a bearer token for the given user
func (ts *TestServer) AuthToken(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	return token.SignedString([]byte(testJWTSecret))
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request as the given user
func (ts *TestServer) RequestWithAuth(method, path, userID string, body interface{}, headers map[string]string) (*http.Response, error) {
	token, err := ts.AuthToken(userID)
	if err != nil {
		return nil, err
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Authorization"] = "Bearer " + token
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}
