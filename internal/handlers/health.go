package handlers

import (
	"log/slog"
	"net/http"

	"github.com/tfoster/palisade/internal/database"
	"github.com/tfoster/palisade/internal/threatintel"
	pkghttp "github.com/tfoster/palisade/pkg/http"
)

// HealthHandler reports service readiness
type HealthHandler struct {
	db      *database.DB
	threats *threatintel.Cache
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. db may be nil when the
// service runs without persistence.
func NewHealthHandler(db *database.DB, threats *threatintel.Cache, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		threats: threats,
		logger:  logger,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{}
	body := map[string]interface{}{"checks": checks}

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			h.logger.Error("health check failed", slog.Any("error", err))
			checks["database"] = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}

		stats := h.db.Stats()
		body["database_pool"] = map[string]int32{
			"total_conns":    stats.TotalConns(),
			"idle_conns":     stats.IdleConns(),
			"acquired_conns": stats.AcquiredConns(),
			"max_conns":      stats.MaxConns(),
		}
	}

	// A stale threat feed degrades decisions but does not fail readiness
	if h.threats.Stale() {
		checks["threat_feed"] = "stale"
	} else {
		checks["threat_feed"] = "ok"
	}

	body["status"] = map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK]
	pkghttp.WriteJSON(w, status, body)
}
