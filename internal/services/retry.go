package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
)

const (
	defaultTxTimeout       = 5 * time.Second
	defaultRetryAttempts   = 3
	defaultRetryInitial    = 50 * time.Millisecond
	defaultRetryMax        = time.Second
	defaultRetryMultiplier = 2
)

// RetryPolicy re-runs a unit of work on transient failures. Each attempt gets its own
// TxTimeout deadline; running out of attempts yields ErrTemporarilyUnavailable.
type RetryPolicy struct {
	MaxAttempts int
	TxTimeout   time.Duration
	Backoff     gax.Backoff
}

// DefaultRetryPolicy returns three attempts with a 5s transaction timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryAttempts,
		TxTimeout:   defaultTxTimeout,
		Backoff: gax.Backoff{
			Initial:    defaultRetryInitial,
			Max:        defaultRetryMax,
			Multiplier: defaultRetryMultiplier,
		},
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.TxTimeout <= 0 {
		p.TxTimeout = def.TxTimeout
	}
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = def.Backoff.Initial
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = def.Backoff.Max
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = def.Backoff.Multiplier
	}
	return p
}

// Run executes fn until it succeeds, fails permanently, or attempts run out.
// onRetry is called before every re-run.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	p = p.normalized()
	backoff := p.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		err = p.attempt(ctx, fn)
		if err == nil || !isTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrTemporarilyUnavailable, attempt, err)
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			return err
		}
	}
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.TxTimeout)
	defer cancel()

	err := fn(attemptCtx)
	// the attempt deadline fired while the caller is still waiting
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrTransactionTimeout, err)
	}
	return err
}
