package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	secretScheme      = "secret://"
	secretSchemeShort = "sm://"
)

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc lets a plain function act as a SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret calls f.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every field that was missing or unparsable.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a resolver failure with the normalised reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved empty. Its message only
// carries redacted names so it is safe to log.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	names := e.RedactedNames()
	if len(names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns sorted hashes of the missing field names.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names returns the sorted field names. Keep them out of logs.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, len(e.secrets))
	for i, s := range e.secrets {
		out[i] = pick(s)
	}
	sort.Strings(out)
	return out
}

// secretTracker resolves secret references for named fields and remembers the
// final values so required secrets can be checked afterwards.
type secretTracker struct {
	resolver SecretResolver
	resolved map[string]string
}

func newSecretTracker(resolver SecretResolver) *secretTracker {
	return &secretTracker{resolver: resolver, resolved: make(map[string]string)}
}

func (t *secretTracker) resolve(ctx context.Context, name string, field *string) error {
	value, err := resolveSecret(ctx, *field, t.resolver)
	if err != nil {
		return err
	}
	*field = value
	t.resolved[name] = strings.TrimSpace(value)
	return nil
}

func (t *secretTracker) missing(required []string) *MissingSecretsError {
	var out []missingSecret
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if t.resolved[name] == "" {
			out = append(out, missingSecret{name: name, redacted: redactSecretName(name)})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: out}
}

// resolveSecret passes plain values through and asks resolver for references.
func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func isSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, secretScheme) || strings.HasPrefix(value, secretSchemeShort)
}

// normalizeSecretReference rewrites sm:// to secret://.
func normalizeSecretReference(value string) string {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, secretSchemeShort); ok {
		return secretScheme + rest
	}
	return value
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
