// Package status is the canonical error model.
//
// Every failure that crosses a component boundary is a *Error carrying a Kind.
// The Kind decides the transport status code; the message is for humans and the
// wrapped cause is kept for diagnostics only:
//
//	err := status.Wrap(status.Unavailable, etcdErr, "renew lease")
//	status.HTTPStatusOf(err) // 503
//
// When errors are nested, the outermost *Error is the one that counts.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Error is the canonical failure representation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error // optional, usually another *Error or a backend error
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the transport status code of the error kind.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// Convert returns the outermost *Error in err's chain.
//
// Errors that carry no *Error are classified: context deadline and cancellation
// map to DeadlineExceeded and Cancelled, everything else becomes Internal.
// Convert(nil) returns nil.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(DeadlineExceeded, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, err, "request cancelled")
	default:
		return Wrap(Internal, err, "internal error")
	}
}

// KindOf returns the kind that crosses the boundary for err.
func KindOf(err error) Kind {
	if se := Convert(err); se != nil {
		return se.Kind
	}
	return Internal
}

// HTTPStatusOf returns the transport status code for err, 200 for nil.
func HTTPStatusOf(err error) int {
	if err == nil {
		return 200
	}
	return KindOf(err).HTTPStatus()
}

// Is reports whether the outermost kind of err is kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromContext converts the context error, if any.
func FromContext(ctx context.Context) *Error {
	if err := ctx.Err(); err != nil {
		return Convert(err)
	}
	return nil
}
