package handlers_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfoster/palisade/internal/handlers"
	"github.com/tfoster/palisade/internal/middleware"
	"github.com/tfoster/palisade/internal/models"
	"github.com/tfoster/palisade/internal/session"
	pkglogger "github.com/tfoster/palisade/pkg/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func sessionTestRouter(t *testing.T) (*chi.Mux, *session.Manager) {
	t.Helper()
	logger := testLogger()
	sessions := session.NewManager(session.Config{TTL: time.Hour}, logger)
	h := handlers.NewSessionHandler(sessions, pkglogger.NewAuditLogger(logger), logger)

	router := chi.NewRouter()
	router.Get("/api/sessions", h.List)
	router.Delete("/api/sessions/{token}", h.Terminate)
	router.Post("/api/sessions/terminate-others", h.TerminateOthers)
	router.Put("/api/sessions/device-trust", h.SetDeviceTrust)
	return router, sessions
}

func asUser(req *http.Request, userID string) *http.Request {
	ctx := middleware.WithIdentity(req.Context(), models.ClientIdentity{
		Key:  userID,
		Kind: models.IdentityUser,
	})
	return req.WithContext(ctx)
}

func TestSessionHandler_ListRequiresAuthentication(t *testing.T) {
	router, _ := sessionTestRouter(t)

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionHandler_ListReturnsOwnSessions(t *testing.T) {
	router, sessions := sessionTestRouter(t)

	sessions.CreateSession("user-42", "10.0.0.1", "device-abc")
	sessions.CreateSession("user-42", "10.0.0.2", "device-xyz")
	sessions.CreateSession("user-99", "10.0.0.3", "device-other")

	req := asUser(httptest.NewRequest("GET", "/api/sessions", nil), "user-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"count":2`)
	assert.NotContains(t, body, "device-other")
}

func TestSessionHandler_TerminateOwnSession(t *testing.T) {
	router, sessions := sessionTestRouter(t)
	s := sessions.CreateSession("user-42", "10.0.0.1", "device-abc")

	req := asUser(httptest.NewRequest("DELETE", "/api/sessions/"+s.SessionToken, nil), "user-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err := sessions.Get(s.SessionToken)
	assert.Error(t, err)
}

func TestSessionHandler_TerminateOtherUsersSessionIs404(t *testing.T) {
	router, sessions := sessionTestRouter(t)
	s := sessions.CreateSession("user-99", "10.0.0.1", "device-abc")

	req := asUser(httptest.NewRequest("DELETE", "/api/sessions/"+s.SessionToken, nil), "user-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Existence of another user's session must not be revealed
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, err := sessions.Get(s.SessionToken)
	assert.NoError(t, err, "the session must survive")
}

func TestSessionHandler_TerminateOthersKeepsCurrent(t *testing.T) {
	router, sessions := sessionTestRouter(t)
	current := sessions.CreateSession("user-42", "10.0.0.1", "device-abc")
	sessions.CreateSession("user-42", "10.0.0.2", "device-xyz")
	sessions.CreateSession("user-42", "10.0.0.3", "device-old")

	req := asUser(httptest.NewRequest("POST", "/api/sessions/terminate-others", nil), "user-42")
	req.Header.Set(middleware.SessionTokenHeader, current.SessionToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"terminated": 2}`, w.Body.String())

	_, err := sessions.Get(current.SessionToken)
	assert.NoError(t, err)
	assert.Len(t, sessions.ListByUser("user-42"), 1)
}

func TestSessionHandler_SetDeviceTrust(t *testing.T) {
	router, sessions := sessionTestRouter(t)
	s := sessions.CreateSession("user-42", "10.0.0.1", "device-abc")

	body := strings.NewReader(`{"device": "device-abc", "trusted": true}`)
	req := asUser(httptest.NewRequest("PUT", "/api/sessions/device-trust", body), "user-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)

	trusted, err := sessions.Get(s.SessionToken)
	require.NoError(t, err)
	assert.True(t, trusted.IsTrusted)
}

func TestSessionHandler_SetDeviceTrustValidation(t *testing.T) {
	router, _ := sessionTestRouter(t)

	body := strings.NewReader(`{"trusted": true}`)
	req := asUser(httptest.NewRequest("PUT", "/api/sessions/device-trust", body), "user-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
