package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/storefront/orders-api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck describes a dependency probe executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type probeHealthRepository struct {
	checks []DependencyCheck
	now    func() time.Time
}

// NewDependencyHealthRepository returns a HealthRepository that runs every check concurrently.
func NewDependencyHealthRepository(clock func() time.Time, checks ...DependencyCheck) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" || check.Check == nil {
			return nil, errors.New("health repository: dependency checks need a name and a check function")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &probeHealthRepository{checks: append([]DependencyCheck(nil), checks...), now: clock}, nil
}

// RegistryCheck probes a persistence backend through Registry.Ping.
func RegistryCheck(name string, reg Registry) DependencyCheck {
	return DependencyCheck{Name: name, Check: reg.Ping}
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	results := make(map[string]domain.HealthCheck, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range r.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			result := r.probe(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		if result.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if result.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}
	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}

func (r *probeHealthRepository) probe(ctx context.Context, check DependencyCheck) domain.HealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(probeCtx)
	end := r.now()

	result := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
	switch {
	case err == nil && probeCtx.Err() == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		result.Status = domain.HealthStatusError
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Status = domain.HealthStatusError
		result.Detail = "cancelled"
	default:
		result.Status = domain.HealthStatusDegraded
		result.Detail = err.Error()
	}
	return result
}
