package pipeline

import (
	"errors"
	"fmt"
)

// Abort reasons.
var (
	ErrPreflightRejected = errors.New("preflight rejected")
	ErrTransportFailed   = errors.New("transport failed")
	ErrUserCancelled     = errors.New("user cancelled")
)

// Conditions attached to a completed Response.
var (
	ErrRangeMismatch       = errors.New("range mismatch")
	ErrDecodeFailed        = errors.New("decode failed")
	ErrPostProcessorFailed = errors.New("post-processor failed")
)

var (
	// ErrDuplicate is returned when a request's de-duplication key is
	// held by another in-flight pipeline.
	ErrDuplicate = errors.New("duplicate in-flight request")
	// ErrAlreadySubmitted is returned when a Request is submitted twice.
	ErrAlreadySubmitted = errors.New("request already submitted")
)

// Error carries one of the sentinel errors above along with detail and,
// where there is one, the underlying cause. errors.Is matches both the
// sentinel and the cause.
type Error struct {
	Err    error
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}

	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}

	return []error{e.Err, e.Cause}
}

func newError(sentinel error, cause error, format string, args ...any) *Error {
	return &Error{
		Err:    sentinel,
		Detail: fmt.Sprintf(format, args...),
		Cause:  cause,
	}
}
