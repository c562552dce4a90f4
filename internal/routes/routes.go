package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/tfoster/palisade/internal/config"
	"github.com/tfoster/palisade/internal/handlers"
	"github.com/tfoster/palisade/internal/middleware"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	guard *middleware.Guard,
	sessionHandler *handlers.SessionHandler,
	stepUpHandler *handlers.StepUpHandler,
	reportHandler *handlers.ReportHandler,
	healthHandler *handlers.HealthHandler,
	limits config.RateLimitConfig,
) {
	edgeLimit := middleware.EdgeRateLimitConfig{
		RequestsPerMinute: limits.EdgeRequestsPerMinute,
	}

	router.Get("/health", healthHandler.Health)

	// Everything else passes through the admission guard
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(edgeLimit))
		r.Use(guard.Admit)

		// Authentication outcome reports from the credential verifier
		r.Post("/api/reports/login-failure", reportHandler.LoginFailure)
		r.Post("/api/reports/login-success", reportHandler.LoginSuccess)

		// Session visibility and control
		r.Get("/api/sessions", sessionHandler.List)
		r.Delete("/api/sessions/{token}", sessionHandler.Terminate)
		r.Post("/api/sessions/terminate-others", sessionHandler.TerminateOthers)
		r.Put("/api/sessions/device-trust", sessionHandler.SetDeviceTrust)

		// Step-up challenge flow
		r.Post("/auth/step-up/enroll", stepUpHandler.Enroll)
		r.Post("/auth/step-up/verify", stepUpHandler.Verify)
	})
}
