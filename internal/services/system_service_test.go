package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/storefront-shop/api/internal/domain"
)

type stubHealthRepository struct {
	collectFn func(ctx context.Context) (domain.SystemHealthReport, error)
}

func (s stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	return s.collectFn(ctx)
}

func TestSystemServiceHealthReportAddsBuildInfo(t *testing.T) {
	started := time.Date(2024, time.March, 9, 9, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		Health: stubHealthRepository{collectFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{
				"mysql": {Status: domain.HealthStatusOK},
				"redis": {Status: domain.HealthStatusDegraded},
			}}, nil
		}},
		Build: BuildInfo{Version: "1.4.0", CommitSHA: "9f1c2e", Environment: "staging", StartedAt: started},
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded status derived from checks, got %s", report.Status)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "9f1c2e" || report.Environment != "staging" {
		t.Fatalf("unexpected build fields %+v", report)
	}
	if report.Uptime != 90*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected timing uptime=%s generated=%s", report.Uptime, report.GeneratedAt)
	}
}

func TestSystemServiceHealthReportWrapsCollectError(t *testing.T) {
	boom := errors.New("probe panic")
	svc, err := NewSystemService(SystemServiceDeps{
		Health: stubHealthRepository{collectFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{}, boom
		}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped collect error, got %v", err)
	}
}

func TestNewSystemServiceRequiresHealthRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error")
	}
}
