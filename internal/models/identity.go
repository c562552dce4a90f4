package models

// IdentityKind distinguishes authenticated identities from IP fallbacks.
type IdentityKind string

const (
	IdentityUser IdentityKind = "user"
	IdentityIP   IdentityKind = "ip"
)

// ClientIdentity is the stable key every admission decision buckets on:
// the authenticated user id when available, otherwise the remote IP.
// Derived per request, never persisted.
type ClientIdentity struct {
	Key  string
	Kind IdentityKind
}

// IsAuthenticated reports whether the identity came from a verified user token.
func (c ClientIdentity) IsAuthenticated() bool {
	return c.Kind == IdentityUser
}
