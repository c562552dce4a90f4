package identity

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tfoster/palisade/internal/models"
)

// tokenClaims is the subset of access-token claims the resolver needs.
type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Resolver derives a stable ClientIdentity from an inbound request: the
// authenticated user id when a valid bearer token is present, otherwise the
// remote IP. Resolution never fails the request; any token problem falls
// back to the IP identity.
type Resolver struct {
	secret []byte
	logger *slog.Logger
}

func NewResolver(jwtSecret string, logger *slog.Logger) *Resolver {
	return &Resolver{
		secret: []byte(jwtSecret),
		logger: logger,
	}
}

// Resolve extracts the identity for the request.
func (r *Resolver) Resolve(req *http.Request) models.ClientIdentity {
	if token := bearerToken(req); token != "" {
		userID, err := r.userIDFromToken(token)
		if err == nil && userID != "" {
			return models.ClientIdentity{Key: userID, Kind: models.IdentityUser}
		}
		r.logger.Debug("identity resolution fell back to IP",
			slog.Any("error", fmt.Errorf("%w: %v", models.ErrIdentityResolution, err)))
	}

	return models.ClientIdentity{Key: ClientIP(req), Kind: models.IdentityIP}
}

// userIDFromToken validates the bearer token and returns its user id claim.
func (r *Resolver) userIDFromToken(tokenString string) (string, error) {
	claims := &tokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	if claims.UserID != "" {
		return claims.UserID, nil
	}
	return claims.Subject, nil
}

func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ClientIP returns the request's remote IP without the port. Callers should
// mount chi's RealIP middleware ahead of this so proxy headers are honored.
func ClientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// DeviceFingerprint creates a hash of IP + User-Agent for device identification
func DeviceFingerprint(ipAddress, userAgent string) string {
	data := []byte(fmt.Sprintf("%s:%s", ipAddress, userAgent))
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)[:32]
}
