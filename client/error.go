package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/TrialGuides/Cumulus/client/contentrange"
	"github.com/TrialGuides/Cumulus/client/pipeline"
)

var (
	// ErrUnexpectedStatusCode is the sentinel error wrapped by [UnexpectedStatusError].
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
	// ErrAuthFailure is joined with [ErrUnexpectedStatusCode] when the server
	// responds with 401 Unauthorized or 403 Forbidden.
	ErrAuthFailure = errors.New("auth failure")
	// ErrChecksumMismatch indicates the body checksum did not match the expected value.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Abort reasons and response conditions, see the pipeline package.
var (
	ErrPreflightRejected   = pipeline.ErrPreflightRejected
	ErrTransportFailed     = pipeline.ErrTransportFailed
	ErrUserCancelled       = pipeline.ErrUserCancelled
	ErrRangeMismatch       = pipeline.ErrRangeMismatch
	ErrDecodeFailed        = pipeline.ErrDecodeFailed
	ErrPostProcessorFailed = pipeline.ErrPostProcessorFailed
	ErrDuplicate           = pipeline.ErrDuplicate
	ErrAlreadySubmitted    = pipeline.ErrAlreadySubmitted
	ErrClosed              = pipeline.ErrClosed
	ErrInvalidRange        = contentrange.ErrInvalidRange
)

// UnexpectedStatusError is attached to a response whose status code
// does not match the one given to [WithExpectStatus].
type UnexpectedStatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%v: %d, body: %s", e.Err, e.StatusCode, e.Body)
}

func (e *UnexpectedStatusError) Unwrap() error {
	return e.Err
}

func newStatusError(resp *Response) *UnexpectedStatusError {
	body := resp.Body
	if len(body) > maxErrBodySize {
		body = body[:maxErrBodySize]
	}

	err := ErrUnexpectedStatusCode
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		err = errors.Join(ErrUnexpectedStatusCode, ErrAuthFailure)
	}

	return &UnexpectedStatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Err:        err,
	}
}
