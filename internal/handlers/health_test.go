package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestHealthzReportsBuildInfo(t *testing.T) {
	started := testNow.Add(-90 * time.Second)
	health := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.2.3", CommitSHA: "abc123", Environment: "test", StartedAt: started}),
		WithHealthClock(fixedClock),
	)

	rec := httptest.NewRecorder()
	health.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["status"] != domain.HealthStatusOK || payload["version"] != "1.2.3" || payload["commitSha"] != "abc123" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["uptime"] != "1m30s" {
		t.Fatalf("expected uptime 1m30s, got %v", payload["uptime"])
	}
}

func TestReadyzStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		report domain.SystemHealthReport
		status int
	}{
		{
			name: "ok",
			report: domain.SystemHealthReport{Status: domain.HealthStatusOK, Checks: map[string]domain.SystemHealthCheck{
				"postgres": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond},
			}},
			status: http.StatusOK,
		},
		{
			name: "degraded broker",
			report: domain.SystemHealthReport{Status: domain.HealthStatusDegraded, Checks: map[string]domain.SystemHealthCheck{
				"postgres": {Status: domain.HealthStatusOK},
				"kafka":    {Status: domain.HealthStatusDegraded, Error: "dial tcp: connection refused"},
			}},
			status: http.StatusOK,
		},
		{
			name: "database down",
			report: domain.SystemHealthReport{Status: domain.HealthStatusError, Checks: map[string]domain.SystemHealthCheck{
				"postgres": {Status: domain.HealthStatusError, Error: "timeout"},
			}},
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.report.GeneratedAt = testNow
			health := NewHealthHandlers(WithHealthRepository(stubHealthRepository{report: tc.report}))

			rec := httptest.NewRecorder()
			health.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			payload := decodeBody(t, rec)
			if payload["status"] != tc.report.Status {
				t.Fatalf("expected status %s, got %v", tc.report.Status, payload["status"])
			}
			checks, ok := payload["checks"].(map[string]any)
			if !ok || len(checks) != len(tc.report.Checks) {
				t.Fatalf("unexpected checks %v", payload["checks"])
			}
		})
	}
}

func TestReadyzDetailsListFailures(t *testing.T) {
	health := NewHealthHandlers(WithHealthRepository(stubHealthRepository{report: domain.SystemHealthReport{
		Status: domain.HealthStatusDegraded,
		Checks: map[string]domain.SystemHealthCheck{
			"rabbitmq": {Status: domain.HealthStatusDegraded, Error: "breaker open"},
			"postgres": {Status: domain.HealthStatusOK},
		},
	}}))

	rec := httptest.NewRecorder()
	health.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	details, ok := decodeBody(t, rec)["details"].([]any)
	if !ok || len(details) != 1 || details[0] != "rabbitmq: breaker open" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestReadyzCollectFailure(t *testing.T) {
	health := NewHealthHandlers(WithHealthRepository(stubHealthRepository{err: errors.New("boom")}))

	rec := httptest.NewRecorder()
	health.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadyzWithoutRepositoryIsReady(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
