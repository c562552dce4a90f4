package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tfoster/palisade/internal/middleware"
	"github.com/tfoster/palisade/internal/session"
	"github.com/tfoster/palisade/internal/stepup"
	pkghttp "github.com/tfoster/palisade/pkg/http"
	pkglogger "github.com/tfoster/palisade/pkg/logger"
)

// StepUpHandler handles step-up challenge enrollment and verification
type StepUpHandler struct {
	challenges *stepup.ChallengeManager
	sessions   *session.Manager
	audit      *pkglogger.AuditLogger
	logger     *slog.Logger
}

// NewStepUpHandler creates a new step-up handler
func NewStepUpHandler(challenges *stepup.ChallengeManager, sessions *session.Manager, audit *pkglogger.AuditLogger, logger *slog.Logger) *StepUpHandler {
	return &StepUpHandler{
		challenges: challenges,
		sessions:   sessions,
		audit:      audit,
		logger:     logger,
	}
}

// EnrollResponse returns the authenticator provisioning QR code
type EnrollResponse struct {
	QRCode string `json:"qr_code"`
}

// VerifyRequest carries a six-digit step-up code
type VerifyRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// VerifyResponse reports verification outcome
type VerifyResponse struct {
	Verified bool `json:"verified"`
}

// Enroll handles POST /auth/step-up/enroll
func (h *StepUpHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || !id.IsAuthenticated() {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	qrCode, err := h.challenges.Enroll(id.Key)
	if err != nil {
		h.logger.Error("failed to enroll step-up challenge",
			slog.String("user_id", id.Key),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Enrollment failed")
		return
	}

	h.audit.LogSessionAction("stepup_enrolled", id.Key, "", nil)
	pkghttp.WriteJSON(w, http.StatusOK, EnrollResponse{QRCode: qrCode})
}

// Verify handles POST /auth/step-up/verify. A successful verification records
// a step-up grant on the caller's current session, clearing the suspicious
// flag and suppressing further challenges for the grace period.
func (h *StepUpHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || !id.IsAuthenticated() {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	verified, err := h.challenges.Verify(id.Key, req.Code)
	if err != nil {
		h.logger.Warn("step-up verification error",
			slog.String("user_id", id.Key),
			slog.Any("error", err))
		pkghttp.WriteUnauthorized(w, "Verification failed")
		return
	}
	if !verified {
		pkghttp.WriteUnauthorized(w, "Invalid code")
		return
	}

	if token := r.Header.Get(middleware.SessionTokenHeader); token != "" {
		if err := h.sessions.RecordStepUp(token); err != nil {
			h.logger.Debug("could not record step-up grant",
				slog.String("session_token", token),
				slog.Any("error", err))
		}
	}

	h.audit.LogSessionAction("stepup_verified", id.Key, "", nil)
	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{Verified: true})
}
