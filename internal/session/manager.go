package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tfoster/palisade/internal/models"
)

// Config holds session lifetime policy. StepUpGrace bounds how long a
// verified step-up challenge keeps satisfying challenge decisions.
type Config struct {
	TTL         time.Duration
	StepUpGrace time.Duration
}

const defaultStepUpGrace = 15 * time.Minute

// Manager tracks active sessions and device trust per user. Suspicious is an
// orthogonal flag on an active session: a suspicious session stays usable
// until explicitly terminated or the step-up challenge clears the flag.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*models.UserSession
	byUser      map[string]map[string]struct{}
	deviceTrust map[string]map[string]bool
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.StepUpGrace <= 0 {
		cfg.StepUpGrace = defaultStepUpGrace
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger,
		sessions:    make(map[string]*models.UserSession),
		byUser:      make(map[string]map[string]struct{}),
		deviceTrust: make(map[string]map[string]bool),
	}
}

// CreateSession registers a new session at login. Trust is inherited from
// the user's device trust registry.
func (m *Manager) CreateSession(userID, ipAddress, device string) *models.UserSession {
	now := time.Now()
	s := &models.UserSession{
		SessionToken:   uuid.New().String(),
		UserID:         userID,
		IPAddress:      ipAddress,
		Device:         device,
		State:          models.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.TTL),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s.IsTrusted = m.deviceTrust[userID][device]
	m.sessions[s.SessionToken] = s
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][s.SessionToken] = struct{}{}

	m.logger.Info("session created",
		slog.String("user_id", userID),
		slog.String("session_token", s.SessionToken),
		slog.Bool("trusted_device", s.IsTrusted))

	snapshot := *s
	return &snapshot
}

// Touch records activity: bumps the request counter, updates lastActivityAt
// and extends expiry unless the session is fixed-duration. Returns a
// snapshot the caller can derive a behavior event from.
func (m *Manager) Touch(sessionToken string) (*models.UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(sessionToken)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s.RequestCount++
	s.LastActivityAt = now
	if !s.FixedDuration {
		s.ExpiresAt = now.Add(m.cfg.TTL)
	}

	snapshot := *s
	return &snapshot, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionToken string) (*models.UserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionToken]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	snapshot := *s
	return &snapshot, nil
}

// ListByUser returns snapshots of the user's active sessions.
func (m *Manager) ListByUser(userID string) []*models.UserSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := m.byUser[userID]
	sessions := make([]*models.UserSession, 0, len(tokens))
	for token := range tokens {
		if s, ok := m.sessions[token]; ok && s.State == models.SessionActive {
			snapshot := *s
			sessions = append(sessions, &snapshot)
		}
	}
	return sessions
}

// MarkSuspicious flags an active session based on an anomaly finding. The
// session remains usable; termination is a separate, explicit operation.
func (m *Manager) MarkSuspicious(sessionToken, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(sessionToken)
	if err != nil {
		return err
	}

	s.IsSuspicious = true
	s.SuspiciousReason = reason

	m.logger.Warn("session marked suspicious",
		slog.String("user_id", s.UserID),
		slog.String("session_token", sessionToken),
		slog.String("reason", reason))
	return nil
}

// ClearSuspicious removes the suspicious flag, e.g. after a successful
// step-up verification.
func (m *Manager) ClearSuspicious(sessionToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(sessionToken)
	if err != nil {
		return err
	}

	s.IsSuspicious = false
	s.SuspiciousReason = ""
	return nil
}

// RecordStepUp notes a successful step-up verification on the session. The
// grant clears the suspicious flag and satisfies challenge decisions for the
// configured grace period.
func (m *Manager) RecordStepUp(sessionToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(sessionToken)
	if err != nil {
		return err
	}

	now := time.Now()
	s.StepUpVerifiedAt = &now
	s.IsSuspicious = false
	s.SuspiciousReason = ""

	m.logger.Info("step-up grant recorded",
		slog.String("user_id", s.UserID),
		slog.String("session_token", sessionToken))
	return nil
}

// StepUpSatisfied reports whether the session holds a live step-up grant.
func (m *Manager) StepUpSatisfied(sessionToken string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionToken]
	if !ok || s.State != models.SessionActive {
		return false
	}
	return s.StepUpSatisfied(time.Now(), m.cfg.StepUpGrace)
}

// Terminate ends a session. Idempotent: terminating an unknown or already
// terminated session is a no-op, not an error.
func (m *Manager) Terminate(sessionToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateLocked(sessionToken)
}

// TerminateAll ends every active session of the user except exceptToken
// (pass "" to terminate everything). Returns the number terminated.
func (m *Manager) TerminateAll(userID, exceptToken string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	terminated := 0
	for token := range m.byUser[userID] {
		if token == exceptToken {
			continue
		}
		if m.terminateLocked(token) {
			terminated++
		}
	}

	m.logger.Info("terminated user sessions",
		slog.String("user_id", userID),
		slog.Int("count", terminated),
		slog.Bool("kept_current", exceptToken != ""))
	return terminated
}

// SetDeviceTrust updates the user's device trust registry and the trust flag
// of any live session on that device.
func (m *Manager) SetDeviceTrust(userID, device string, trusted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deviceTrust[userID] == nil {
		m.deviceTrust[userID] = make(map[string]bool)
	}
	m.deviceTrust[userID][device] = trusted

	for token := range m.byUser[userID] {
		if s, ok := m.sessions[token]; ok && s.Device == device && s.State == models.SessionActive {
			s.IsTrusted = trusted
		}
	}
}

// Sweep terminates expired sessions and drops terminated ones. Returns the
// number of sessions removed from the table.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, s := range m.sessions {
		if s.State == models.SessionActive && s.Expired(now) {
			m.terminateLocked(token)
		}
		if s.State == models.SessionTerminated {
			delete(m.sessions, token)
			if tokens, ok := m.byUser[s.UserID]; ok {
				delete(tokens, token)
				if len(tokens) == 0 {
					delete(m.byUser, s.UserID)
				}
			}
			removed++
		}
	}
	return removed
}

// activeLocked returns the session if it exists and is active; caller holds m.mu.
func (m *Manager) activeLocked(sessionToken string) (*models.UserSession, error) {
	s, ok := m.sessions[sessionToken]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	if s.State == models.SessionTerminated {
		return nil, models.ErrSessionTerminated
	}
	return s, nil
}

// terminateLocked transitions a session to terminated; caller holds m.mu.
func (m *Manager) terminateLocked(sessionToken string) bool {
	s, ok := m.sessions[sessionToken]
	if !ok || s.State == models.SessionTerminated {
		return false
	}

	now := time.Now()
	s.State = models.SessionTerminated
	s.TerminatedAt = &now
	return true
}
