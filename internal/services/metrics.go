package services

import (
	"context"
	"time"
)

// Workflow outcomes recorded by WorkflowMetrics.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
)

// WorkflowMetrics records order workflow outcomes; observability.Metrics implements it.
type WorkflowMetrics interface {
	ObserveWorkflow(operation, outcome string, elapsed time.Duration)
	IncTransactionRetry(operation string)
	IncNotificationFailure(eventType string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveWorkflow(string, string, time.Duration) {}
func (noopMetrics) IncTransactionRetry(string)                    {}
func (noopMetrics) IncNotificationFailure(string)                 {}

// Logger is the structured event logger services write to.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}
