package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)

	log := EventLogger(zap.New(fallbackCore))
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))

	log(ctx, "checkout.order.created", map[string]any{"orderNumber": "ORD-2025-000001", "items": 2})

	if fallbackLogs.Len() != 0 {
		t.Fatalf("expected fallback logger unused, got %d entries", fallbackLogs.Len())
	}
	entries := requestLogs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "checkout.order.created" || entry.Level != zapcore.InfoLevel {
		t.Fatalf("unexpected entry %+v", entry.Entry)
	}
	fields := entry.ContextMap()
	if fields["orderNumber"] != "ORD-2025-000001" {
		t.Fatalf("expected orderNumber field, got %v", fields)
	}
	if fields["event"] != "checkout.order.created" {
		t.Fatalf("expected event field, got %v", fields)
	}
}

func TestEventLoggerWarnsOnFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := EventLogger(zap.New(core))

	log(context.Background(), "checkout.notify.failed", nil)
	log(context.Background(), "inventory.adjusted", nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for failure event, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.InfoLevel {
		t.Fatalf("expected info for regular event, got %s", entries[1].Level)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("verbose")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug disabled for invalid level")
	}
	logger, err = NewLogger("debug")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug enabled")
	}
}
