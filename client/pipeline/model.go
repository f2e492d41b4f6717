package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/TrialGuides/Cumulus/client/coder"
	"github.com/TrialGuides/Cumulus/client/contentrange"
	"github.com/TrialGuides/Cumulus/client/progress"
	"github.com/google/uuid"
)

// PreflightFunc runs on the control executor after the request is built
// and before any network I/O. It may modify req.Header. Returning false
// aborts the request with ErrPreflightRejected.
type PreflightFunc func(req *Request) bool

// PostProcessorFunc receives the response and the decoded result and
// returns the result to keep. If it returns an error, or panics, the
// previous result is kept and ErrPostProcessorFailed is attached.
type PostProcessorFunc func(resp *Response, result any) (any, error)

// CompletionFunc runs once on the control executor when the request
// completes.
type CompletionFunc func(resp *Response)

// AbortFunc runs once on the control executor when the request aborts.
type AbortFunc func(req *Request)

// Hooks are the optional lifecycle callbacks of a Request.
type Hooks struct {
	Preflight     PreflightFunc
	Progress      progress.Func
	PostProcessor PostProcessorFunc
	Completion    CompletionFunc
	Abort         AbortFunc
}

// Request is a single logical HTTP request. It is owned by one pipeline
// from submission until the pipeline reaches a terminal state. Its hooks
// are fixed at construction.
type Request struct {
	ID     string
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// Range, when set, requests a byte span with a Range header.
	Range *contentrange.Range

	// DedupeKey, when set, prevents two in-flight pipelines of the same
	// Registry from sharing the key.
	DedupeKey string

	ctx       context.Context
	hooks     Hooks
	submitted atomic.Bool
	abortErr  error
}

// NewRequest returns a Request with a fresh ID and an empty header.
func NewRequest(ctx context.Context, method string, u *url.URL, hooks Hooks) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	if method == "" {
		method = http.MethodGet
	}

	return &Request{
		ID:     uuid.New().String(),
		Method: method,
		URL:    u,
		Header: make(http.Header),
		ctx:    ctx,
		hooks:  hooks,
	}
}

// Context returns the request's context. Cancelling it cancels the
// pipeline with ErrUserCancelled.
func (r *Request) Context() context.Context {
	return r.ctx
}

// AbortErr returns the reason the request was aborted, once its abort
// hook has been scheduled. It is nil for requests that did not abort.
func (r *Request) AbortErr() error {
	return r.abortErr
}

// Response is the outcome of a Request. It is built while the pipeline
// runs and must be treated as read-only once a terminal hook fires.
type Response struct {
	Request    *Request
	StatusCode int
	Header     http.Header

	// ContentType is the declared Content-Type, or the sniffed one when
	// the server sent none.
	ContentType string
	Class       coder.Class

	// Range is the served span of a 206 response.
	Range *contentrange.Range

	Body   []byte
	Result any

	// Conditions holds the non-fatal problems of this response, each an
	// *Error wrapping ErrRangeMismatch, ErrDecodeFailed or
	// ErrPostProcessorFailed, or a condition added by a caller.
	Conditions []error
}

// Has reports whether any condition matches target.
func (r *Response) Has(target error) bool {
	for _, c := range r.Conditions {
		if errors.Is(c, target) {
			return true
		}
	}
	return false
}

// Err joins all conditions, or returns nil when there are none.
func (r *Response) Err() error {
	return errors.Join(r.Conditions...)
}

// AddCondition attaches err to the response. It is meant for
// post-processors that detect a problem but keep the result.
func (r *Response) AddCondition(err error) {
	if err != nil {
		r.Conditions = append(r.Conditions, err)
	}
}
