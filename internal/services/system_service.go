package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/repositories"
)

// BuildInfo is the release metadata reported next to dependency health.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	probes  repositories.HealthRepository
	now     func() time.Time
	release BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService wires readiness reporting. StartedAt defaults to construction time.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	release := BuildInfo{
		Version:     strings.TrimSpace(deps.Build.Version),
		CommitSHA:   strings.TrimSpace(deps.Build.CommitSHA),
		Environment: strings.TrimSpace(deps.Build.Environment),
		StartedAt:   deps.Build.StartedAt,
	}
	if release.StartedAt.IsZero() {
		release.StartedAt = now()
	}
	return &systemService{probes: deps.HealthRepository, now: now, release: release}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	collected, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	at := s.now().UTC()
	if !collected.GeneratedAt.IsZero() {
		at = collected.GeneratedAt.UTC()
	}
	checks := collected.Checks
	if checks == nil {
		checks = map[string]domain.HealthCheck{}
	}
	status := collected.Status
	if status == "" {
		status = deriveStatus(checks)
	}

	return SystemHealthReport{
		HealthReport: domain.HealthReport{Status: status, Checks: checks, GeneratedAt: at},
		Version:      s.release.Version,
		CommitSHA:    s.release.CommitSHA,
		Environment:  s.release.Environment,
		Uptime:       s.now().Sub(s.release.StartedAt),
	}, nil
}

var statusSeverity = map[domain.HealthStatus]int{
	"":                          0,
	domain.HealthStatusOK:       0,
	domain.HealthStatusDegraded: 1,
	domain.HealthStatusError:    2,
}

// deriveStatus returns the worst check status. Unknown statuses count as degraded.
func deriveStatus(checks map[string]domain.HealthCheck) domain.HealthStatus {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		rank, known := statusSeverity[check.Status]
		if !known {
			rank = statusSeverity[domain.HealthStatusDegraded]
		}
		if rank > statusSeverity[worst] {
			worst = check.Status
			if !known {
				worst = domain.HealthStatusDegraded
			}
		}
	}
	return worst
}
