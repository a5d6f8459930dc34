package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultVersion = "latest"

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// ErrSecretNotFound indicates neither Secret Manager nor the local fallback had the secret.
var ErrSecretNotFound = errors.New("secrets: secret not found")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references using Google Secret Manager with an in-process cache.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	project    string
	fallback   map[string]string
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

type fetcherConfig struct {
	logger     *zap.Logger
	project    string
	fallback   map[string]string
	client     secretManagerClient
	clientOpts []option.ClientOption
	offline    bool
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithDefaultProject sets the project used when a reference has no ?project= override.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

// WithFallbackValues supplies canonical reference to value pairs used when Secret Manager
// is unreachable or the secret does not exist, typically for local development.
func WithFallbackValues(values map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.fallback = values }
}

// WithSecretManagerClient injects a client, primarily for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithoutSecretManager skips client construction and serves fallback values only.
func WithoutSecretManager() Option {
	return func(cfg *fetcherConfig) { cfg.offline = true }
}

// NewFetcher constructs a Fetcher. A client construction failure degrades to fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	f := &Fetcher{
		project:  cfg.project,
		fallback: make(map[string]string, len(cfg.fallback)),
		logger:   cfg.logger,
		cache:    make(map[string]string),
	}
	for ref, value := range cfg.fallback {
		f.fallback[strings.TrimSpace(ref)] = value
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	case cfg.offline:
	default:
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when owned by the fetcher.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the secret value for ref, consulting the cache, Secret Manager, then fallbacks.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.Canonical + "#" + parsed.Version

	f.mu.RLock()
	value, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		return value, nil
	}

	project := parsed.Project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		value, err := f.fetchRemote(ctx, project, parsed)
		if err == nil {
			f.store(key, value)
			return value, nil
		}
		if !isFallbackError(err) {
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, err)
		}
		f.logger.Debug("secrets: falling back to local values", zap.String("ref", parsed.Canonical), zap.Error(err))
	}

	value, ok = f.fallback[parsed.Canonical]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, parsed.Canonical)
	}
	f.store(key, value)
	return value, nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, project string, ref parsedReference) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.Secret, ref.Version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resourceName})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resourceName)
	}
	return strings.TrimSpace(string(resp.Payload.GetData())), nil
}

type parsedReference struct {
	Canonical string
	Secret    string
	Version   string
	Project   string
}

// parseReference accepts secret://name[/part]?version=N&project=P. Path separators in the
// name map to dashes because Secret Manager ids cannot contain slashes.
func parseReference(ref string) (parsedReference, error) {
	if strings.TrimSpace(ref) == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	values := u.Query()
	version := strings.TrimSpace(values.Get("version"))
	if version == "" {
		version = defaultVersion
	}
	return parsedReference{
		Canonical: canonical.String(),
		Secret:    strings.ReplaceAll(name, "/", "-"),
		Version:   version,
		Project:   strings.TrimSpace(values.Get("project")),
	}, nil
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.Unavailable, codes.Unauthenticated:
		return true
	}
	return false
}
