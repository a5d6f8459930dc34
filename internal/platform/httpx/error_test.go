package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("insufficient_stock", "Insufficient stock for Widget", http.StatusConflict).
		WithDetails(map[string]any{"product_id": 1, "success": true}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != false {
		t.Fatalf("expected success false, got %v", body["success"])
	}
	if body["error"] != "insufficient_stock" || body["message"] != "Insufficient stock for Widget" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["request_id"] != "req-123" {
		t.Fatalf("expected request id, got %v", body["request_id"])
	}
	if body["product_id"] != float64(1) {
		t.Fatalf("expected product_id detail, got %v", body["product_id"])
	}
	if _, ok := body["trace_id"]; ok {
		t.Fatalf("trace_id should be omitted without trace context")
	}
}

func TestNewErrorSanitisesInput(t *testing.T) {
	err := NewError("code\n", "line one\r\nline two", 0)
	if err.Status != http.StatusInternalServerError {
		t.Fatalf("expected default 500, got %d", err.Status)
	}
	if err.Code != "code" {
		t.Fatalf("unexpected code %q", err.Code)
	}
	if err.Message != "line one  line two" {
		t.Fatalf("unexpected message %q", err.Message)
	}
}

func TestNewErrorTruncatesOnRuneBoundary(t *testing.T) {
	message := strings.Repeat("a", messageLimit-1) + "é"
	err := NewError("validation_error", message, http.StatusBadRequest)
	if !utf8.ValidString(err.Message) || len(err.Message) != messageLimit-1 {
		t.Fatalf("expected truncation before the multi-byte rune, got len %d", len(err.Message))
	}
	if got := err.Error(); got != "400 validation_error: "+err.Message {
		t.Fatalf("unexpected error string %q", got[:40])
	}
}
