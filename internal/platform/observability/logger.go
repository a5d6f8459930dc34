package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

// warnSuffixes mark events that EventLogger emits at warn level.
var warnSuffixes = []string{".failed", ".mismatch", ".dropped", ".collision"}

// NewLogger builds a JSON logger for Cloud Logging: "severity", "message" and
// "timestamp" keys, caller info, no stack traces. Unknown levels mean info.
func NewLogger(levelName string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(levelName))); err == nil {
		level = parsed
	}

	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			MessageKey:    "message",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}.Build()
}

// WithLogger stores the base logger on ctx for code running outside a request.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// EventLogger returns the func(ctx, event, fields) hook services and the idempotency
// middleware log through. It prefers the request logger on ctx so request and trace
// ids come along, and sorts fields for stable output.
func EventLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zf := []zap.Field{zap.String("event", event)}
		for _, key := range keys {
			zf = append(zf, zap.Any(key, fields[key]))
		}

		level := zapcore.InfoLevel
		for _, suffix := range warnSuffixes {
			if strings.HasSuffix(event, suffix) {
				level = zapcore.WarnLevel
				break
			}
		}
		logger.Log(level, event, zf...)
	}
}

// PrintfAdapter feeds printf-style library loggers (kafka.LoggerFunc) into zap.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) { a.logger.Infof(format, args...) }

func (a PrintfAdapter) Errorf(format string, args ...any) { a.logger.Errorf(format, args...) }

// WithRequestFields is logger.With that tolerates a nil logger.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
