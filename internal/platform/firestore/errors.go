package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errClass uint8

const (
	classNotFound errClass = 1 << iota
	classConflict
	classUnavailable
	classRetryable
)

// classes maps gRPC codes onto the repository error predicates. Aborted is contention:
// a conflict for the caller, but worth retrying inside a transaction.
var classes = map[codes.Code]errClass{
	codes.NotFound:           classNotFound,
	codes.AlreadyExists:      classConflict,
	codes.FailedPrecondition: classConflict,
	codes.OutOfRange:         classConflict,
	codes.Aborted:            classConflict | classRetryable,
	codes.Unavailable:        classUnavailable | classRetryable,
	codes.ResourceExhausted:  classUnavailable | classRetryable,
	codes.Internal:           classUnavailable | classRetryable,
}

// Error satisfies repositories.RepositoryError and repositories.RetryableError.
type Error struct {
	op   string
	err  error
	code codes.Code
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return e.err.Error()
	}
	return "firestore " + e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Code is the gRPC status code Firestore answered with.
func (e *Error) Code() codes.Code {
	if e == nil {
		return codes.OK
	}
	return e.code
}

func (e *Error) is(c errClass) bool {
	return e != nil && classes[e.code]&c != 0
}

func (e *Error) IsNotFound() bool    { return e.is(classNotFound) }
func (e *Error) IsConflict() bool    { return e.is(classConflict) }
func (e *Error) IsUnavailable() bool { return e.is(classUnavailable) }
func (e *Error) IsRetryable() bool   { return e.is(classRetryable) }

// WrapError tags err with op and its status code. Cancellation comes back as the plain
// context error, and errors a repository already classified are returned unchanged.
func WrapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var classified interface{ IsNotFound() bool }
	if errors.As(err, &classified) {
		if own, ok := classified.(*Error); ok && own.op == "" {
			own.op = op
		}
		return err
	}
	return &Error{op: op, err: err, code: code}
}
