package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/storefront-shop/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness probe. A failing required dependency makes the service unready;
// an optional one only degrades it.
type DependencyCheck struct {
	Name     string
	Optional bool
	Timeout  time.Duration
	Check    func(context.Context) error
}

// ProbeOption customises NewProbeHealthRepository.
type ProbeOption func(*probeHealthRepository)

// WithProbeTimeout sets the timeout for checks that do not carry their own.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(r *probeHealthRepository) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithProbeClock overrides the time source.
func WithProbeClock(clock func() time.Time) ProbeOption {
	return func(r *probeHealthRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

type probeHealthRepository struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

// NewProbeHealthRepository runs the given checks concurrently on every Collect.
func NewProbeHealthRepository(checks []DependencyCheck, opts ...ProbeOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks")
	}
	names := make(map[string]bool, len(checks))
	normalized := make([]DependencyCheck, len(checks))
	for i, check := range checks {
		check.Name = strings.TrimSpace(check.Name)
		switch {
		case check.Name == "":
			return nil, errors.New("health: dependency check without name")
		case check.Check == nil:
			return nil, fmt.Errorf("health: dependency %q has no check", check.Name)
		case names[check.Name]:
			return nil, fmt.Errorf("health: dependency %q registered twice", check.Name)
		}
		names[check.Name] = true
		normalized[i] = check
	}

	repo := &probeHealthRepository{checks: normalized, timeout: defaultProbeTimeout, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make([]domain.SystemHealthCheck, len(r.checks))
	var wg sync.WaitGroup
	for i := range r.checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.probe(ctx, r.checks[i])
		}(i)
	}
	wg.Wait()

	checks := make(map[string]domain.SystemHealthCheck, len(results))
	for i, result := range results {
		checks[r.checks[i].Name] = result
	}
	return domain.SystemHealthReport{
		Status:      domain.OverallHealth(checks),
		Checks:      checks,
		GeneratedAt: r.now().UTC(),
	}, nil
}

func (r *probeHealthRepository) probe(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.now()
	err := check.Check(probeCtx)
	if err == nil {
		err = probeCtx.Err()
	}
	finished := r.now()

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   finished.Sub(started),
		CheckedAt: finished.UTC(),
	}
	if err == nil {
		return result
	}

	result.Status = domain.HealthStatusError
	if check.Optional {
		result.Status = domain.HealthStatusDegraded
	}
	result.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Detail = "cancelled"
	default:
		result.Detail = "unreachable"
	}
	return result
}
