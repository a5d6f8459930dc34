// Package httpx holds the JSON envelope shared by every handler and middleware.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	codeLimit      = 80
	messageLimit   = 512
	requestIDLimit = 80
	traceIDLimit   = 64
)

// reserved keys always come from the envelope, never from Details.
var reserved = map[string]struct{}{
	"success":    {},
	"message":    {},
	"error":      {},
	"request_id": {},
	"trace_id":   {},
}

// Error is a client-facing failure. Code is machine readable ("insufficient_stock"),
// Message is safe to show to shoppers.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error; a zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, codeLimit),
		Message: clean(message, messageLimit),
		Status:  status,
	}
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// WithRequestID overrides the request id taken from chi's RequestID middleware.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clean(id, requestIDLimit)
	return e
}

// WithTraceID overrides the trace id taken from the request context.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clean(id, traceIDLimit)
	return e
}

// WithDetails adds fields such as product_id or available quantity next to the
// envelope keys.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError renders {"success": false, "message", "error", "request_id", "trace_id"}.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, envelope(ctx, err))
}

func envelope(ctx context.Context, err Error) map[string]any {
	body := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		if _, ok := reserved[k]; ok {
			continue
		}
		body[k] = v
	}
	body["success"] = false
	body["message"] = err.Message
	body["error"] = err.Code

	requestID := err.RequestID
	if requestID == "" {
		requestID = clean(middleware.GetReqID(ctx), requestIDLimit)
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	traceID := err.TraceID
	if traceID == "" {
		traceID = clean(requestctx.TraceID(ctx), traceIDLimit)
	}
	if traceID != "" {
		body["trace_id"] = traceID
	}
	return body
}

// WriteJSON encodes payload with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clean turns control characters into spaces so values cannot split log lines or
// headers, then trims and caps the byte length on a rune boundary.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
