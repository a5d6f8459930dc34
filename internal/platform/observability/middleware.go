package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	idempotencyKeyHeader    = "Idempotency-Key"
	idempotentReplayHeader  = "X-Idempotent-Replay"
	internalErrorMessage    = "An unexpected error occurred. Please try again later."
	internalErrorCode       = "internal_error"
	requestCompletedMessage = "request completed"
)

// healthCheckPaths are hit by load balancers every few seconds; only their failures are logged.
var healthCheckPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
}

// InjectLoggerMiddleware stores the provided logger on the request context to make it accessible downstream.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one structured line per request once the response
// is known. Fields added through requestctx.Annotate, such as the order number a
// checkout produced, are appended to that line.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestctx.WithAnnotations(r.Context())
			traceInfo, _ := requestctx.Trace(ctx)

			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
				zap.String("trace_id", traceInfo.TraceID),
			}
			if resource := loggingTraceResource(traceInfo); resource != "" {
				fields = append(fields, zap.String("logging.googleapis.com/trace", resource))
			}
			if ip := clientIP(r); ip != "" {
				fields = append(fields, zap.String("remote_ip", ip))
			}
			if key := r.Header.Get(idempotencyKeyHeader); key != "" {
				fields = append(fields, zap.String("idempotency_key", SanitizeHeaderValue(key)))
			}
			logger := WithRequestFields(requestctx.Logger(ctx), fields...)
			ctx = requestctx.WithLogger(ctx, logger)
			r = r.WithContext(ctx)

			recorder := newResponseRecorder(w)
			start := time.Now()

			var panicked bool
			defer func() {
				status := recorder.Status()
				if panicked && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				route := SanitizeRoute(routePattern(r))

				span := trace.SpanFromContext(ctx)
				span.SetName(SanitizeMethod(r.Method) + " " + route)
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
				setSpanStatus(span, status)

				_, healthCheck := healthCheckPaths[r.URL.Path]
				level := completionLevel(status, panicked)
				if healthCheck && level < zapcore.ErrorLevel {
					return
				}

				done := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", recorder.BytesWritten()),
				}
				if uid := sanitizedUserID(r); uid != "" {
					done = append(done, zap.String("user_id", uid))
				}
				if recorder.Header().Get(idempotentReplayHeader) == "true" {
					done = append(done, zap.Bool("idempotent_replay", true))
				}
				done = append(done, requestctx.Annotations(ctx)...)
				if ce := logger.Check(level, requestCompletedMessage); ce != nil {
					ce.Write(done...)
				}
			}()

			defer func() {
				if rec := recover(); rec != nil {
					panicked = true
					panic(rec)
				}
			}()

			next.ServeHTTP(recorder, r)
		})
	}
}

// completionLevel maps a response to a log level. Stock conflicts, price mismatches and
// rejected transitions are routine customer outcomes and stay at info; only auth and
// rate-limit rejections warn.
func completionLevel(status int, panicked bool) zapcore.Level {
	switch {
	case panicked || status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// RecoveryMiddleware turns a panic into the same generic 500 envelope the handlers use
// for persistence failures and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = requestctx.NoopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError(internalErrorCode, internalErrorMessage, http.StatusInternalServerError))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func sanitizedUserID(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	return SanitizeUserID(identity.UID)
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	// Unmatched paths may embed arbitrary client input; keep them out of labels.
	return "unmatched"
}

// clientIP reads RemoteAddr, which chi's RealIP middleware has already rewritten from
// X-Forwarded-For when the router runs behind a proxy.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}

func loggingTraceResource(info requestctx.TraceInfo) string {
	if info.ProjectID == "" || info.TraceID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", info.ProjectID, info.TraceID)
}

func setSpanStatus(span trace.Span, status int) {
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(codes.Unset, "")
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *responseRecorder) Status() int {
	return r.status
}

func (r *responseRecorder) BytesWritten() int64 {
	return r.bytes
}
