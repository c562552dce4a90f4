package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/tfoster/palisade/internal/anomaly"
	"github.com/tfoster/palisade/internal/background"
	"github.com/tfoster/palisade/internal/baseline"
	"github.com/tfoster/palisade/internal/config"
	"github.com/tfoster/palisade/internal/database"
	"github.com/tfoster/palisade/internal/decision"
	"github.com/tfoster/palisade/internal/handlers"
	"github.com/tfoster/palisade/internal/identity"
	"github.com/tfoster/palisade/internal/lockout"
	"github.com/tfoster/palisade/internal/middleware"
	"github.com/tfoster/palisade/internal/ratelimit"
	"github.com/tfoster/palisade/internal/repositories"
	"github.com/tfoster/palisade/internal/routes"
	"github.com/tfoster/palisade/internal/session"
	"github.com/tfoster/palisade/internal/stepup"
	"github.com/tfoster/palisade/internal/threatintel"
	pkglogger "github.com/tfoster/palisade/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	failureRepo := repositories.NewFailureLogRepository(db)
	anomalyAuditRepo := repositories.NewAnomalyAuditRepository(db)

	// Shared-cache stores when Redis is configured, in-memory otherwise
	var windowStore ratelimit.WindowStore
	var baselineStore baseline.Store
	var memoryWindows *ratelimit.MemoryStore
	var memoryBaselines *baseline.MemoryStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		windowStore = ratelimit.NewRedisStore(rdb)
		baselineStore = baseline.NewRedisStore(rdb, 30*24*time.Hour)
		logger.Info("using redis-backed stores", slog.String("addr", cfg.Redis.Addr))
	} else {
		memoryWindows = ratelimit.NewMemoryStore()
		windowStore = memoryWindows
		memoryBaselines = baseline.NewMemoryStore()
		baselineStore = memoryBaselines
	}

	// Security components
	auditLogger := pkglogger.NewAuditLogger(logger)
	limiter := ratelimit.NewLimiter(windowStore, logger)

	lockoutGuard := lockout.NewGuard(lockout.Config{
		MaxAttempts:       cfg.Lockout.MaxAttempts,
		ObservationWindow: cfg.Lockout.ObservationWindow,
		LockoutDuration:   cfg.Lockout.LockoutDuration,
	}, failureRepo, logger)

	scorer := anomaly.NewScorer(baselineStore, anomaly.Config{
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
	}, anomalyAuditRepo, logger)

	sessionManager := session.NewManager(session.Config{
		TTL:         cfg.Session.TTL,
		StepUpGrace: cfg.Session.StepUpGrace,
	}, logger)

	var feed threatintel.FeedClient
	if cfg.ThreatIntel.FeedURL != "" {
		feed = threatintel.NewHTTPFeedClient(cfg.ThreatIntel.FeedURL)
	} else {
		feed = &threatintel.StaticFeedClient{}
		logger.Warn("no threat feed configured, reputation checks run on an empty snapshot")
	}
	threatCache := threatintel.NewCache(feed, threatintel.Config{
		EntryTTL:        cfg.ThreatIntel.EntryTTL,
		RefreshInterval: cfg.ThreatIntel.RefreshInterval,
		FailClosed:      cfg.ThreatIntel.FailClosed,
	}, logger)

	aggregator := decision.NewAggregator(limiter, lockoutGuard, scorer, threatCache, sessionManager, logger)

	challengeManager, err := stepup.NewChallengeManager(cfg.StepUp.EncryptionKey, cfg.StepUp.Issuer)
	if err != nil {
		logger.Error("failed to initialize step-up challenges", slog.Any("error", err))
		os.Exit(1)
	}

	// Cleanup manager sweeps expired in-memory state and old failure rows
	sweepers := map[string]background.Sweeper{
		"lockouts": lockoutGuard,
		"sessions": sessionManager,
	}
	if memoryWindows != nil {
		sweepers["rate_windows"] = memoryWindows
	}
	cleanupManager := background.NewCleanupManager(sweepers, failureRepo, logger, cfg.Session.CleanupInterval)

	// In-memory baselines are snapshotted to the database so learned
	// behavior survives restarts
	var snapshotManager *background.SnapshotManager
	if memoryBaselines != nil {
		snapshotRepo := repositories.NewBaselineSnapshotRepository(db)
		snapshotManager = background.NewSnapshotManager(memoryBaselines, snapshotRepo, logger, cfg.Session.CleanupInterval, 30)
		if err := snapshotManager.Warm(context.Background()); err != nil {
			logger.Error("failed to restore baseline snapshots", slog.Any("error", err))
		}
	}

	// Initialize handlers
	resolver := identity.NewResolver(cfg.Server.JWTSecret, logger)
	guard := middleware.NewGuard(resolver, aggregator, sessionManager, auditLogger, cfg.RateLimit, logger)
	sessionHandler := handlers.NewSessionHandler(sessionManager, auditLogger, logger)
	stepUpHandler := handlers.NewStepUpHandler(challengeManager, sessionManager, auditLogger, logger)
	reportHandler := handlers.NewReportHandler(lockoutGuard, sessionManager, auditLogger, logger)
	healthHandler := handlers.NewHealthHandler(db, threatCache, logger)

	// Setup CORS middleware
	corsConfig := middleware.DefaultCORSConfig(cfg.Server.Env)
	corsConfig.AllowedOrigins = cfg.Server.AllowedOrigins

	// Setup router
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middleware.CORS(corsConfig))
	router.Use(middleware.SecureLogger(logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, guard, sessionHandler, stepUpHandler, reportHandler, healthHandler, cfg.RateLimit)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start background tasks
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	go threatCache.Run(backgroundCtx)
	go cleanupManager.Start(backgroundCtx)
	if snapshotManager != nil {
		go snapshotManager.Start(backgroundCtx)
	}

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	// Stop blocks until the final baseline flush has completed
	if snapshotManager != nil {
		snapshotManager.Stop()
	}
	backgroundCancel()
	cleanupManager.Stop()
	threatCache.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}
