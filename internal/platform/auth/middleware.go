package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/checkout/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired is returned by verifiers for expired tokens.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid covers every other verification failure.
	ErrTokenInvalid = errors.New("auth: token invalid")

	errVerifierUnavailable = errors.New("auth: verifier unavailable")
)

// TokenVerifier checks a bearer token. FirebaseVerifier and HS256Verifier implement it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier     TokenVerifier
	roleClaim    string
	emailClaim   string
	fallbackRole string
	timeout      time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithRoleClaim reads roles from a claim other than "role".
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole is granted when the token carries no role claim. Defaults to customer.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = normaliseRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		emailClaim:   defaultEmailClaim,
		fallbackRole: RoleCustomer,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth rejects requests without a valid bearer token. With roles given, the
// identity must hold at least one of them.
func (a *Authenticator) RequireAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			identity, err := a.authenticate(ctx, token)
			if err != nil {
				httpx.WriteError(ctx, w, verificationError(err))
				return
			}
			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "identity does not have required role", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

// OptionalAuth lets anonymous requests through but still rejects a token that is
// present and fails verification.
func (a *Authenticator) OptionalAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			header := r.Header.Get("Authorization")
			if strings.TrimSpace(header) == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(header)
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header invalid", http.StatusUnauthorized))
				return
			}
			identity, err := a.authenticate(ctx, token)
			if err != nil {
				httpx.WriteError(ctx, w, verificationError(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, raw string) (*Identity, error) {
	if a == nil || a.verifier == nil {
		return nil, errVerifierUnavailable
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, ErrTokenInvalid
	}

	c := tokenClaims(token.Claims)
	identity := &Identity{
		UID:    strings.TrimSpace(token.UID),
		Email:  c.str(a.emailClaim),
		Roles:  c.roles(a.roleClaim),
		Issuer: token.Issuer,
	}
	if token.Expires > 0 {
		identity.ExpiresAt = time.Unix(token.Expires, 0).UTC()
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity, nil
}

// bearerToken extracts the token from "Bearer <token>", case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func verificationError(err error) httpx.Error {
	switch {
	case errors.Is(err, errVerifierUnavailable):
		return httpx.NewError("verification_unavailable", "authorization service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, ErrTokenExpired):
		return httpx.NewError("token_expired", "token expired", http.StatusUnauthorized)
	default:
		return httpx.NewError("invalid_token", "token verification failed", http.StatusUnauthorized)
	}
}

// tokenClaims reads role and email values out of verified token claims.
type tokenClaims map[string]any

func (c tokenClaims) str(key string) string {
	v, _ := c[key].(string)
	return strings.TrimSpace(v)
}

// roles accepts "admin", ["admin", "customer"] or {"admin": true}. Values are
// lowercased and deduplicated.
func (c tokenClaims) roles(key string) []string {
	var raw []string
	switch v := c[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if on, _ := enabled.(bool); on {
				raw = append(raw, role)
			}
		}
	}

	var out []string
	seen := make(map[string]struct{}, len(raw))
	for _, role := range raw {
		role = normaliseRole(role)
		if _, dup := seen[role]; role == "" || dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
