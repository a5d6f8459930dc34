package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
)

const (
	defaultHeaderName  = "Idempotency-Key"
	replayHeaderName   = "X-Idempotent-Replay"
	anonymousRequester = "anonymous"
	defaultMaxBodySize = 1 << 20
	maxKeyLength       = 255
)

// Logger receives bookkeeping failures. Events are named "idempotency.<what>_failed".
type Logger func(ctx context.Context, event string, fields map[string]any)

// guard holds the resolved middleware settings.
type guard struct {
	store       Store
	headerName  string
	ttl         time.Duration
	methods     map[string]struct{}
	clock       func() time.Time
	logger      Logger
	required    bool
	maxBodySize int64
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*guard)

// WithHeader changes the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.headerName = name
		}
	}
}

// WithTTL sets how long records, pending or completed, are kept.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods replaces the guarded method set (POST by default).
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		set := make(map[string]struct{}, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				set[m] = struct{}{}
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

func WithLogger(logger Logger) MiddlewareOption {
	return func(g *guard) { g.logger = logger }
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithRequiredKey rejects guarded requests without a key. Otherwise they skip
// idempotency entirely.
func WithRequiredKey(required bool) MiddlewareOption {
	return func(g *guard) { g.required = required }
}

// WithMaxBodySize bounds the body buffered for fingerprinting.
func WithMaxBodySize(limit int64) MiddlewareOption {
	return func(g *guard) {
		if limit > 0 {
			g.maxBodySize = limit
		}
	}
}

// Middleware makes guarded requests safe to retry. The first request carrying a key
// runs the handler and its response is stored; a retry with the same key, requester
// and payload gets the stored response back with X-Idempotent-Replay: true. A retry
// while the first is still running gets 409, a different payload under the same key
// gets 422. 5xx responses are released instead of stored.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:       store,
		headerName:  defaultHeaderName,
		ttl:         DefaultTTL,
		methods:     map[string]struct{}{http.MethodPost: {}},
		clock:       time.Now,
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	if _, guarded := g.methods[r.Method]; !guarded {
		next.ServeHTTP(w, r)
		return
	}

	key := strings.TrimSpace(r.Header.Get(g.headerName))
	switch {
	case key == "" && g.required:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing "+g.headerName+" header", http.StatusBadRequest))
		return
	case key == "":
		next.ServeHTTP(w, r)
		return
	case len(key) > maxKeyLength:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
		return
	}

	body, err := bufferBody(w, r, g.maxBodySize)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}

	requester := extractRequester(ctx)
	fingerprint := requestFingerprint(r, body, requester)
	scoped := scopedKey(key, requester)

	reservation, err := g.store.Reserve(ctx, scoped, fingerprint, g.clock().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
		return
	case err != nil:
		g.log(ctx, "idempotency.store_failed", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusServiceUnavailable))
		return
	}

	switch reservation.State {
	case ReservationStateNew:
	case ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case ReservationStatePending:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_unknown_state", "unexpected idempotency state", http.StatusInternalServerError))
		return
	}

	rec := newResponseRecorder(w)
	next.ServeHTTP(rec, r)
	g.settle(ctx, rec, scoped, fingerprint, key)

	// The handler already committed its work, so its response goes out even when
	// storing it failed.
	if err := rec.flush(); err != nil {
		g.log(ctx, "idempotency.flush_failed", map[string]any{"key": key, "error": err.Error()})
	}
}

// settle stores a finished response or releases the reservation for 5xx. It runs
// on a detached context because the request deadline may already have fired.
func (g *guard) settle(ctx context.Context, rec *responseRecorder, scoped, fingerprint, key string) {
	storeCtx := context.WithoutCancel(ctx)
	if rec.Status() < http.StatusInternalServerError {
		resp := Response{Status: rec.Status(), Headers: rec.Header().Clone(), Body: rec.Body()}
		err := g.store.SaveResponse(storeCtx, scoped, fingerprint, resp, g.clock().UTC(), g.ttl)
		if err == nil {
			return
		}
		g.log(ctx, "idempotency.save_failed", map[string]any{"key": key, "error": err.Error()})
	}
	if err := g.store.Release(storeCtx, scoped, fingerprint); err != nil {
		g.log(ctx, "idempotency.release_failed", map[string]any{"key": key, "error": err.Error()})
	}
}

func (g *guard) log(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, g.logger, event, fields)
}

// bufferBody reads the body under limit and puts a fresh reader back for the handler.
func bufferBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint hashes method, path, query, content type, requester and body.
func requestFingerprint(r *http.Request, body []byte, requester string) string {
	bodyHash := ""
	if len(body) > 0 {
		bodyHash = sha256Hex(body)
	}
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
		bodyHash,
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func extractRequester(ctx context.Context) string {
	if uid := auth.SubjectID(ctx); uid != "" {
		return uid
	}
	return anonymousRequester
}

// scopedKey namespaces key per requester so two shoppers cannot collide.
func scopedKey(key, requester string) string {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		requester = anonymousRequester
	}
	if key = strings.TrimSpace(key); key == "" {
		return requester
	}
	return key + "|" + requester
}

// replay writes a stored response. Headers already set on w by earlier middleware
// stay unless the record overrides them.
func replay(w http.ResponseWriter, record Record) {
	dst := w.Header()
	for key, values := range headersFromRecord(record.ResponseHeaders) {
		dst[key] = values
	}
	dst.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}
