package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/repositories"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires the readiness report.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
	Build  BuildInfo
	Clock  func() time.Time
}

type systemService struct {
	health repositories.HealthRepository
	build  BuildInfo
	now    func() time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService constructs the service behind /readyz.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &systemService{health: deps.Health, build: build, now: now}, nil
}

// HealthReport probes dependencies and stamps the report with build metadata.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, fmt.Errorf("system service: collect: %w", err)
	}

	now := s.now().UTC()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = domain.OverallHealth(report.Checks)
	}
	report.Version = s.build.Version
	report.CommitSHA = s.build.CommitSHA
	report.Environment = s.build.Environment
	report.Uptime = now.Sub(s.build.StartedAt)
	return report, nil
}
