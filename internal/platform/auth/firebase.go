package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/hanko-field/checkout/internal/platform/config"
)

// FirebaseVerifier checks Firebase ID tokens issued to storefront customers and
// back-office staff.
type FirebaseVerifier struct {
	client       *firebaseauth.Client
	timeout      time.Duration
	checkRevoked bool
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout bounds each Admin SDK call.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRevocationCheck makes every verification also consult Firebase for revoked
// sessions and disabled accounts. It costs one extra round trip per request.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.checkRevoked = enabled
	}
}

// NewFirebaseVerifier initialises the Admin SDK for cfg.ProjectID.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if credentials := strings.TrimSpace(cfg.CredentialsFile); credentials != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentials))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}

	v := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// VerifyIDToken validates idToken and classifies failures as ErrTokenExpired or
// ErrTokenInvalid so the middleware can pick the response code.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errVerifierUnavailable
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	var (
		token *firebaseauth.Token
		err   error
	)
	if v.checkRevoked {
		token, err = v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	} else {
		token, err = v.client.VerifyIDToken(ctx, idToken)
	}
	if err == nil {
		return token, nil
	}
	return nil, classifyFirebaseError(err)
}

func classifyFirebaseError(err error) error {
	switch {
	case firebaseauth.IsIDTokenExpired(err):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err), firebaseauth.IsIDTokenInvalid(err):
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	default:
		return err
	}
}
