package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile points the loader at a dotenv file. An empty path disables it and a
// missing file is ignored.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the process environment and the
// dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv stops the loader from consulting the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names config fields ("Database.Password", "Security.JWTSecret")
// that must end up non-empty.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of
// returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// envSource layers the three value sources; later layers win:
// dotenv file, process environment, explicit map.
type envSource struct {
	layers []map[string]string
}

func newEnvSource(options loaderOptions) (envSource, error) {
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return envSource{}, err
	}
	src := envSource{}
	src.push(dotenv)
	if options.useSystemEnv {
		src.push(systemEnv())
	}
	src.push(options.envMap)
	return src, nil
}

func (s *envSource) push(layer map[string]string) {
	if len(layer) > 0 {
		s.layers = append(s.layers, layer)
	}
}

func (s envSource) lookup(key string) (string, bool) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if value, ok := s.layers[i][key]; ok {
			return value, true
		}
	}
	return "", false
}

func (s envSource) flatten() map[string]string {
	out := make(map[string]string)
	for _, layer := range s.layers {
		for key, value := range layer {
			out[key] = value
		}
	}
	return out
}

// EnvironmentValues returns the merged environment Load would see, so main can build
// the secret fetcher before loading the config proper.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newEnvSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.flatten(), nil
}

func systemEnv() map[string]string {
	out := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			out[key] = value
		}
	}
	return out
}

// loadDotEnv reads KEY=VALUE lines, tolerating comments, blank lines, an "export "
// prefix and surrounding quotes.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

type lookupFunc func(string) (string, bool)

func (l lookupFunc) nonEmpty(key string) (string, bool) {
	value, ok := l(key)
	return value, ok && value != ""
}

func stringWithDefault(lookup lookupFunc, key, fallback string) string {
	if value, ok := lookup.nonEmpty(key); ok {
		return value
	}
	return fallback
}

func durationWithDefault(lookup lookupFunc, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup.nonEmpty(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup lookupFunc, key string, fallback int) int {
	if value, ok := lookup.nonEmpty(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func boolWithDefault(lookup lookupFunc, key string, fallback bool) bool {
	value, ok := lookup.nonEmpty(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// csvWithDefault splits a comma list, dropping blanks. Missing keys yield an empty
// non-nil slice.
func csvWithDefault(lookup lookupFunc, key string) []string {
	out := []string{}
	raw, _ := lookup(key)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
