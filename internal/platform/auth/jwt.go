package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	jwt "github.com/golang-jwt/jwt/v4"
)

// HMACVerifier verifies HS256 bearer tokens signed with a shared secret. It backs local and
// test environments where no Firebase project is configured.
type HMACVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// HMACOption customises HMACVerifier instances.
type HMACOption func(*HMACVerifier)

// WithHMACClock overrides the clock used for expiry checks.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewHMACVerifier constructs a verifier for tokens issued by issuer. An empty issuer skips the iss check.
func NewHMACVerifier(secret, issuer string, opts ...HMACOption) (*HMACVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: hmac secret is required")
	}
	v := &HMACVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// VerifyIDToken parses and validates the token, returning it in the Firebase token shape so the
// middleware treats both verifiers identically.
func (v *HMACVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil {
		return nil, errors.New("hmac verifier not initialised")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(idToken, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}

	token := &firebaseauth.Token{
		UID:     subject,
		Subject: subject,
		Claims:  make(map[string]interface{}, len(claims)),
	}
	if iss, ok := claims["iss"].(string); ok {
		token.Issuer = iss
	}
	if exp, ok := claims["exp"].(float64); ok {
		token.Expires = int64(exp)
	}
	if iat, ok := claims["iat"].(float64); ok {
		token.IssuedAt = int64(iat)
	}
	for key, value := range claims {
		token.Claims[key] = value
	}
	return token, nil
}

// SignHMACToken issues an HS256 token for uid with the supplied roles. Used by local tooling and tests.
func SignHMACToken(secret, issuer, uid string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  uid,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"role": roles,
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
