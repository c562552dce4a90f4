package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tfoster/palisade/internal/lockout"
	"github.com/tfoster/palisade/internal/session"
	pkghttp "github.com/tfoster/palisade/pkg/http"
	pkglogger "github.com/tfoster/palisade/pkg/logger"
)

// ReportHandler receives authentication outcomes from the credential
// verification service. Failures feed the lockout guard; successes clear the
// failure window and open a tracked session.
type ReportHandler struct {
	lockouts *lockout.Guard
	sessions *session.Manager
	audit    *pkglogger.AuditLogger
	logger   *slog.Logger
}

// NewReportHandler creates a new report handler
func NewReportHandler(lockouts *lockout.Guard, sessions *session.Manager, audit *pkglogger.AuditLogger, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{
		lockouts: lockouts,
		sessions: sessions,
		audit:    audit,
		logger:   logger,
	}
}

// LoginFailureRequest reports one failed credential verification
type LoginFailureRequest struct {
	CredentialKey string `json:"credential_key" validate:"required,max=255"`
	IPAddress     string `json:"ip_address" validate:"required,ip"`
	Reason        string `json:"reason" validate:"required,max=100"`
}

// LoginFailureResponse returns the resulting lockout state
type LoginFailureResponse struct {
	FailedAttempts int        `json:"failed_attempts"`
	Locked         bool       `json:"locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

// LoginSuccessRequest reports one successful credential verification
type LoginSuccessRequest struct {
	CredentialKey string `json:"credential_key" validate:"required,max=255"`
	UserID        string `json:"user_id" validate:"required,max=255"`
	IPAddress     string `json:"ip_address" validate:"required,ip"`
	Device        string `json:"device" validate:"max=128"`
}

// LoginSuccessResponse returns the opened session
type LoginSuccessResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsTrusted    bool      `json:"is_trusted"`
}

// LoginFailure handles POST /api/reports/login-failure
func (h *ReportHandler) LoginFailure(w http.ResponseWriter, r *http.Request) {
	var req LoginFailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	state := h.lockouts.RecordFailure(r.Context(), req.CredentialKey, req.IPAddress, req.Reason)
	locked := state.Locked(time.Now())

	h.audit.LogLockout(req.CredentialKey, req.IPAddress, state.FailedAttempts, locked)

	pkghttp.WriteJSON(w, http.StatusOK, LoginFailureResponse{
		FailedAttempts: state.FailedAttempts,
		Locked:         locked,
		LockedUntil:    state.LockoutUntil,
	})
}

// LoginSuccess handles POST /api/reports/login-success
func (h *ReportHandler) LoginSuccess(w http.ResponseWriter, r *http.Request) {
	var req LoginSuccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	h.lockouts.RecordSuccess(req.CredentialKey)
	s := h.sessions.CreateSession(req.UserID, req.IPAddress, req.Device)

	h.audit.LogSessionAction("login_success", req.UserID, s.SessionToken, map[string]string{
		"ip_address": req.IPAddress,
	})

	pkghttp.WriteJSON(w, http.StatusCreated, LoginSuccessResponse{
		SessionToken: s.SessionToken,
		ExpiresAt:    s.ExpiresAt,
		IsTrusted:    s.IsTrusted,
	})
}
