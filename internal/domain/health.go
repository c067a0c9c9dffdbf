package domain

import "time"

// HealthStatus summarises dependency health for readiness probes.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the outcome of probing a single dependency.
type HealthCheck struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
