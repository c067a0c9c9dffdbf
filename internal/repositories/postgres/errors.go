package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the stores react to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
)

// Error wraps a PostgreSQL failure with repository classification.
type Error struct {
	op       string
	err      error
	code     string
	notFound bool
	network  bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return fmt.Sprintf("postgres: %v", e.err)
	}
	return fmt.Sprintf("postgres %s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Code returns the SQLSTATE, if the server reported one.
func (e *Error) Code() string { return e.code }

func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

func (e *Error) IsConflict() bool {
	if e == nil {
		return false
	}
	switch e.code {
	case codeUniqueViolation, codeForeignKeyViolation, codeCheckViolation:
		return true
	}
	return false
}

func (e *Error) IsUnavailable() bool { return e != nil && e.network }

// IsRetryable reports lock contention or a lost connection; re-running the unit of work may succeed.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	switch e.code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return e.network
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified interface{ IsNotFound() bool }
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{op: op, err: err, notFound: true}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{op: op, err: err, code: pgErr.Code}
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &Error{op: op, err: err, network: true}
	}
	return &Error{op: op, err: err}
}

func notFound(op, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), notFound: true}
}
