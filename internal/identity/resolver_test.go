package identity_test

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfoster/palisade/internal/identity"
	"github.com/tfoster/palisade/internal/models"
)

const testSecret = "test-secret-for-resolver-units-only"

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestResolver_ValidTokenYieldsUserIdentity(t *testing.T) {
	resolver := identity.NewResolver(testSecret, testLogger())

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "10.0.0.1:52314"
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, jwt.MapClaims{
		"user_id": "user-42",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}))

	id := resolver.Resolve(req)

	assert.Equal(t, models.IdentityUser, id.Kind)
	assert.Equal(t, "user-42", id.Key)
	assert.True(t, id.IsAuthenticated())
}

func TestResolver_SubjectFallback(t *testing.T) {
	resolver := identity.NewResolver(testSecret, testLogger())

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "10.0.0.1:52314"
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, jwt.MapClaims{
		"sub": "user-99",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))

	id := resolver.Resolve(req)

	assert.Equal(t, models.IdentityUser, id.Kind)
	assert.Equal(t, "user-99", id.Key)
}

func TestResolver_NoTokenFallsBackToIP(t *testing.T) {
	resolver := identity.NewResolver(testSecret, testLogger())

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.168.1.50:40000"

	id := resolver.Resolve(req)

	assert.Equal(t, models.IdentityIP, id.Kind)
	assert.Equal(t, "192.168.1.50", id.Key)
	assert.False(t, id.IsAuthenticated())
}

func TestResolver_BadSignatureFallsBackToIP(t *testing.T) {
	resolver := identity.NewResolver(testSecret, testLogger())

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.168.1.50:40000"
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "some-other-secret", jwt.MapClaims{
		"user_id": "user-42",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}))

	id := resolver.Resolve(req)

	assert.Equal(t, models.IdentityIP, id.Kind)
	assert.Equal(t, "192.168.1.50", id.Key)
}

func TestResolver_ExpiredTokenFallsBackToIP(t *testing.T) {
	resolver := identity.NewResolver(testSecret, testLogger())

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.168.1.50:40000"
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, jwt.MapClaims{
		"user_id": "user-42",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	}))

	id := resolver.Resolve(req)

	assert.Equal(t, models.IdentityIP, id.Kind)
}

func TestResolver_MalformedHeaderFallsBackToIP(t *testing.T) {
	resolver := identity.NewResolver(testSecret, testLogger())

	for _, header := range []string{"Bearer", "Basic dXNlcjpwYXNz", "garbage"} {
		req := httptest.NewRequest("GET", "/api/sessions", nil)
		req.RemoteAddr = "192.168.1.50:40000"
		req.Header.Set("Authorization", header)

		id := resolver.Resolve(req)
		assert.Equal(t, models.IdentityIP, id.Kind, "header %q must fall back to IP", header)
	}
}

func TestDeviceFingerprint(t *testing.T) {
	fp1 := identity.DeviceFingerprint("10.0.0.1", "Mozilla/5.0")
	fp2 := identity.DeviceFingerprint("10.0.0.1", "Mozilla/5.0")
	fp3 := identity.DeviceFingerprint("10.0.0.2", "Mozilla/5.0")

	assert.Len(t, fp1, 32)
	assert.Equal(t, fp1, fp2, "fingerprint must be stable")
	assert.NotEqual(t, fp1, fp3)
}
