package logger

import (
	"context"
	"log/slog"
	"time"
)

// SecurityEvent is one auditable security occurrence: a decision, a lockout,
// an anomaly finding, or a session action.
type SecurityEvent struct {
	EventType   string
	IdentityKey string
	IPAddress   string
	Action      string
	Reasons     []string
	Metadata    map[string]string
}

// AuditLogger provides structured audit logging for the security core.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogDecision logs the outcome of one admission decision.
func (al *AuditLogger) LogDecision(event SecurityEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "decision"),
		slog.String("event_type", event.EventType),
		slog.String("action", event.Action),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.IdentityKey != "" {
		attrs = append(attrs, slog.String("identity_key", event.IdentityKey))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if len(event.Reasons) > 0 {
		attrs = append(attrs, slog.Any("reasons", event.Reasons))
	}

	level := slog.LevelInfo
	if event.Action == "block" || event.Action == "challenge" {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(context.Background(), level, "audit", attrs...)
}

// LogLockout logs lockout state transitions.
func (al *AuditLogger) LogLockout(credentialKey, ipAddress string, failedAttempts int, locked bool) {
	attrs := []slog.Attr{
		slog.String("audit_type", "lockout"),
		slog.String("credential_key", SanitizedCredential(credentialKey)),
		slog.Int("failed_attempts", failedAttempts),
		slog.Bool("locked", locked),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if ipAddress != "" {
		attrs = append(attrs, slog.String("ip_address", ipAddress))
	}

	level := slog.LevelInfo
	if locked {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(context.Background(), level, "audit", attrs...)
}

// LogSessionAction logs session lifecycle operations.
func (al *AuditLogger) LogSessionAction(eventType, userID, sessionToken string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "session"),
		slog.String("event_type", eventType),
		slog.String("user_id", userID),
		slog.String("session_token", sessionToken),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
}
