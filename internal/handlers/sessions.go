package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tfoster/palisade/internal/middleware"
	"github.com/tfoster/palisade/internal/models"
	"github.com/tfoster/palisade/internal/session"
	pkghttp "github.com/tfoster/palisade/pkg/http"
	pkglogger "github.com/tfoster/palisade/pkg/logger"
)

// SessionHandler exposes session visibility and control to authenticated users
type SessionHandler struct {
	sessions *session.Manager
	audit    *pkglogger.AuditLogger
	logger   *slog.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *session.Manager, audit *pkglogger.AuditLogger, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		audit:    audit,
		logger:   logger,
	}
}

// SessionResponse is the API shape of one session
type SessionResponse struct {
	SessionToken     string `json:"session_token"`
	IPAddress        string `json:"ip_address"`
	Device           string `json:"device"`
	CreatedAt        string `json:"created_at"`
	LastActivityAt   string `json:"last_activity_at"`
	ExpiresAt        string `json:"expires_at"`
	IsTrusted        bool   `json:"is_trusted"`
	IsSuspicious     bool   `json:"is_suspicious"`
	SuspiciousReason string `json:"suspicious_reason,omitempty"`
	RequestCount     int    `json:"request_count"`
}

// SetDeviceTrustRequest marks a device trusted or untrusted
type SetDeviceTrustRequest struct {
	Device  string `json:"device" validate:"required,max=128"`
	Trusted bool   `json:"trusted"`
}

// List handles GET /api/sessions, returning the caller's active sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || !id.IsAuthenticated() {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	active := h.sessions.ListByUser(id.Key)
	responses := make([]SessionResponse, 0, len(active))
	for _, s := range active {
		responses = append(responses, toSessionResponse(s))
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": responses,
		"count":    len(responses),
	})
}

// Terminate handles DELETE /api/sessions/{token}
func (h *SessionHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || !id.IsAuthenticated() {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	token := chi.URLParam(r, "token")
	s, err := h.sessions.Get(token)
	if err != nil {
		pkghttp.WriteNotFound(w, "Session not found")
		return
	}
	if s.UserID != id.Key {
		// Do not reveal other users' session tokens
		pkghttp.WriteNotFound(w, "Session not found")
		return
	}

	h.sessions.Terminate(token)
	h.audit.LogSessionAction("session_terminated", id.Key, token, nil)

	w.WriteHeader(http.StatusNoContent)
}

// TerminateOthers handles POST /api/sessions/terminate-others, ending every
// session except the caller's current one
func (h *SessionHandler) TerminateOthers(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || !id.IsAuthenticated() {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	current, _ := middleware.SessionTokenFromContext(r.Context())
	if current == "" {
		current = r.Header.Get(middleware.SessionTokenHeader)
	}

	terminated := h.sessions.TerminateAll(id.Key, current)
	h.audit.LogSessionAction("sessions_terminated_others", id.Key, current, nil)

	pkghttp.WriteJSON(w, http.StatusOK, map[string]int{"terminated": terminated})
}

// SetDeviceTrust handles PUT /api/sessions/device-trust
func (h *SessionHandler) SetDeviceTrust(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || !id.IsAuthenticated() {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req SetDeviceTrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	h.sessions.SetDeviceTrust(id.Key, req.Device, req.Trusted)
	h.audit.LogSessionAction("device_trust_updated", id.Key, "", map[string]string{
		"device":  req.Device,
		"trusted": map[bool]string{true: "true", false: "false"}[req.Trusted],
	})

	w.WriteHeader(http.StatusNoContent)
}

func toSessionResponse(s *models.UserSession) SessionResponse {
	resp := SessionResponse{
		SessionToken:     s.SessionToken,
		IPAddress:        s.IPAddress,
		Device:           s.Device,
		CreatedAt:        s.CreatedAt.UTC().Format(http.TimeFormat),
		LastActivityAt:   s.LastActivityAt.UTC().Format(http.TimeFormat),
		ExpiresAt:        s.ExpiresAt.UTC().Format(http.TimeFormat),
		IsTrusted:        s.IsTrusted,
		IsSuspicious:     s.IsSuspicious,
		SuspiciousReason: s.SuspiciousReason,
		RequestCount:     s.RequestCount,
	}
	return resp
}
