// Package requestctx carries request-scoped logging, tracing, and log annotations.
package requestctx

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
	annotationsKey
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// annotations collects business identifiers (order numbers, product ids) that handlers
// learn mid-request so the completion log line can carry them.
type annotations struct {
	mu     sync.Mutex
	values map[string]string
}

// WithAnnotations installs an empty annotation set. Handlers further down the chain
// write into it with Annotate.
func WithAnnotations(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, annotationsKey, &annotations{values: make(map[string]string)})
}

// Annotate records key=value on the request. It is a no-op without WithAnnotations.
func Annotate(ctx context.Context, key, value string) {
	if ctx == nil || key == "" {
		return
	}
	set, ok := ctx.Value(annotationsKey).(*annotations)
	if !ok || set == nil {
		return
	}
	set.mu.Lock()
	set.values[key] = value
	set.mu.Unlock()
}

// Annotations returns the recorded annotations sorted by key.
func Annotations(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	set, ok := ctx.Value(annotationsKey).(*annotations)
	if !ok || set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	if len(set.values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set.values))
	for key := range set.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, zap.String(key, set.values[key]))
	}
	return fields
}
