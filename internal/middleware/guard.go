package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tfoster/palisade/internal/config"
	"github.com/tfoster/palisade/internal/decision"
	"github.com/tfoster/palisade/internal/identity"
	"github.com/tfoster/palisade/internal/models"
	"github.com/tfoster/palisade/internal/session"
	pkghttp "github.com/tfoster/palisade/pkg/http"
	pkglogger "github.com/tfoster/palisade/pkg/logger"
)

type contextKey string

const (
	identityContextKey contextKey = "client_identity"
	sessionContextKey  contextKey = "session_token"
)

// SessionTokenHeader carries the session token for activity tracking.
const SessionTokenHeader = "X-Session-Token"

// GeoLocationHeader carries the edge-resolved client location, when present.
const GeoLocationHeader = "X-Client-Geo"

// WithIdentity stores a resolved identity on the context.
func WithIdentity(ctx context.Context, id models.ClientIdentity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// WithSessionToken stores the request's session token on the context.
func WithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionContextKey, token)
}

// IdentityFromContext returns the resolved identity stored by the guard.
func IdentityFromContext(ctx context.Context) (models.ClientIdentity, bool) {
	id, ok := ctx.Value(identityContextKey).(models.ClientIdentity)
	return id, ok
}

// SessionTokenFromContext returns the session token stored by the guard.
func SessionTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(sessionContextKey).(string)
	return token, ok
}

// Guard is the admission middleware. It resolves the client identity, derives
// a behavior event from session activity and asks the decision aggregator
// whether the request proceeds.
type Guard struct {
	resolver   *identity.Resolver
	aggregator *decision.Aggregator
	sessions   *session.Manager
	audit      *pkglogger.AuditLogger
	limits     config.RateLimitConfig
	logger     *slog.Logger
}

func NewGuard(
	resolver *identity.Resolver,
	aggregator *decision.Aggregator,
	sessions *session.Manager,
	audit *pkglogger.AuditLogger,
	limits config.RateLimitConfig,
	logger *slog.Logger,
) *Guard {
	return &Guard{
		resolver:   resolver,
		aggregator: aggregator,
		sessions:   sessions,
		audit:      audit,
		limits:     limits,
		logger:     logger,
	}
}

// Admit wraps a handler with the full admission check.
func (g *Guard) Admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIdentity := g.resolver.Resolve(r)
		ipAddress := identity.ClientIP(r)
		isAuth := isAuthEndpoint(r.URL.Path)
		limit := g.limitFor(r.URL.Path)
		endpointKey := endpointKey(r)

		req := decision.Request{
			Identity:       clientIdentity,
			IPAddress:      ipAddress,
			EndpointKey:    endpointKey,
			Limit:          limit.MaxRequests,
			Window:         limit.WindowSeconds,
			IsAuthEndpoint: isAuth,
		}

		// Lockout only has an opinion for identified users
		if clientIdentity.IsAuthenticated() {
			req.CredentialKey = clientIdentity.Key
		}

		// Activity on a known session feeds the behavior baseline
		sessionToken := r.Header.Get(SessionTokenHeader)
		if sessionToken != "" && clientIdentity.IsAuthenticated() {
			if snapshot, err := g.sessions.Touch(sessionToken); err == nil {
				req.SessionToken = sessionToken
				req.Event = behaviorEvent(r, clientIdentity, ipAddress, snapshot)
			} else {
				g.logger.Debug("session touch skipped",
					slog.String("session_token", sessionToken),
					slog.Any("error", err))
			}
		}

		d := g.aggregator.Decide(r.Context(), req)

		if d.RateLimit != nil {
			writeRateLimitHeaders(w, d.RateLimit)
		}

		g.audit.LogDecision(pkglogger.SecurityEvent{
			EventType:   endpointKey,
			IdentityKey: clientIdentity.Key,
			IPAddress:   ipAddress,
			Action:      string(d.Action),
			Reasons:     d.Reasons,
		})

		switch d.Action {
		case models.ActionBlock:
			g.writeBlocked(w, d)
			return
		case models.ActionChallenge:
			// The step-up endpoints must stay reachable or the challenge
			// could never be answered.
			if !isStepUpEndpoint(r.URL.Path) {
				pkghttp.WriteStepUpRequired(w, "Step-up verification required")
				return
			}
		}

		ctx := WithIdentity(r.Context(), clientIdentity)
		if req.SessionToken != "" {
			ctx = WithSessionToken(ctx, req.SessionToken)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Guard) writeBlocked(w http.ResponseWriter, d models.Decision) {
	for _, reason := range d.Reasons {
		switch reason {
		case decision.ReasonRateLimitExceeded:
			if d.RetryAfter != nil {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			}
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
			return
		case decision.ReasonAccountLocked:
			pkghttp.WriteLocked(w, "Account temporarily locked")
			return
		case decision.ReasonIPBlacklisted:
			pkghttp.WriteForbidden(w, "Request refused")
			return
		}
	}
	pkghttp.WriteForbidden(w, "Request refused")
}

// limitFor selects the endpoint limit class by path prefix.
func (g *Guard) limitFor(path string) config.EndpointLimit {
	switch {
	case isAuthEndpoint(path):
		return g.limits.Auth
	case strings.HasPrefix(path, "/api/"):
		return g.limits.API
	default:
		return g.limits.Default
	}
}

func isAuthEndpoint(path string) bool {
	return strings.HasPrefix(path, "/auth/")
}

func isStepUpEndpoint(path string) bool {
	return strings.HasPrefix(path, "/auth/step-up/")
}

func endpointKey(r *http.Request) string {
	return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
}

func behaviorEvent(r *http.Request, id models.ClientIdentity, ipAddress string, snapshot *models.UserSession) *models.BehaviorEvent {
	now := time.Now()
	return &models.BehaviorEvent{
		UserID:           id.Key,
		IPAddress:        ipAddress,
		ActionType:       endpointKey(r),
		Timestamp:        now,
		SessionDuration:  now.Sub(snapshot.CreatedAt),
		ActionsPerMinute: snapshot.ActionsPerMinute(now),
		Location:         r.Header.Get(GeoLocationHeader),
		Device:           identity.DeviceFingerprint(ipAddress, r.UserAgent()),
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, rl *models.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}
