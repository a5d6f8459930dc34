package auth

import (
	"context"
	"strings"
	"time"
)

// Default roles. Tokens without a role claim are treated as customers; the roles
// allowed on admin routes come from configuration and default to RoleAdmin.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// Identity is the principal behind a verified bearer token. Orders placed by an
// identity record its UID as user_id; admin actions record it as the actor.
type Identity struct {
	UID       string
	Email     string
	Roles     []string
	Issuer    string
	ExpiresAt time.Time
}

// HasRole reports whether the identity carries role, ignoring case.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries at least one of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// SubjectID returns the trimmed UID, or "" for an anonymous caller.
func SubjectID(ctx context.Context) string {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return ""
	}
	return strings.TrimSpace(identity.UID)
}

type identityKey struct{}

// WithIdentity stores the identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
