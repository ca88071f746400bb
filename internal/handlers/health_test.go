package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/services"
)

type stubSystemService struct {
	reportFn func(ctx context.Context) (services.SystemHealthReport, error)
}

func (s stubSystemService) HealthReport(ctx context.Context) (services.SystemHealthReport, error) {
	return s.reportFn(ctx)
}

func reportWith(status string, checks map[string]domain.SystemHealthCheck) stubSystemService {
	return stubSystemService{reportFn: func(context.Context) (services.SystemHealthReport, error) {
		return services.SystemHealthReport{Status: status, Checks: checks, Version: "1.4.0"}, nil
	}}
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	started := time.Date(2024, time.March, 9, 10, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.4.0", CommitSHA: "9f1c2e", Environment: "staging", StartedAt: started}),
		WithHealthClock(func() time.Time { return started.Add(2 * time.Minute) }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBodyMap(t, rr)
	if body["status"] != "ok" || body["commitSha"] != "9f1c2e" || body["environment"] != "staging" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["uptime"] != "2m0s" || body["timestamp"] != "2024-03-09T10:02:00Z" {
		t.Fatalf("unexpected timing %v / %v", body["uptime"], body["timestamp"])
	}
}

func TestReadyzStatusCodes(t *testing.T) {
	cases := []struct {
		name    string
		svc     stubSystemService
		status  int
		details []any
	}{
		{
			name:   "healthy",
			svc:    reportWith(domain.HealthStatusOK, map[string]domain.SystemHealthCheck{"mysql": {Status: domain.HealthStatusOK}}),
			status: http.StatusOK,
		},
		{
			name: "redis down keeps serving",
			svc: reportWith(domain.HealthStatusDegraded, map[string]domain.SystemHealthCheck{
				"mysql": {Status: domain.HealthStatusOK},
				"redis": {Status: domain.HealthStatusDegraded, Error: "connection refused"},
			}),
			status:  http.StatusOK,
			details: []any{"redis: connection refused"},
		},
		{
			name: "database down",
			svc: reportWith(domain.HealthStatusError, map[string]domain.SystemHealthCheck{
				"mysql": {Status: domain.HealthStatusError, Detail: "timeout"},
			}),
			status:  http.StatusServiceUnavailable,
			details: []any{"mysql: error"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(tc.svc))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			body := decodeBodyMap(t, rr)
			details, _ := body["details"].([]any)
			if len(details) != len(tc.details) {
				t.Fatalf("expected details %v, got %v", tc.details, details)
			}
			for i := range details {
				if details[i] != tc.details[i] {
					t.Fatalf("expected details %v, got %v", tc.details, details)
				}
			}
		})
	}
}

func TestReadyzReportFailure(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(stubSystemService{reportFn: func(context.Context) (services.SystemHealthReport, error) {
		return services.SystemHealthReport{}, errors.New("collect failed")
	}}))

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decodeBodyMap(t, rr); body["error"] != "health_unavailable" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyzWithoutSystemServiceMirrorsHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
