package pipeline

import (
	"context"
	"net/http"
)

// Events receives the notifications of one transport connection. A
// transport calls Headers at most once, then BodyChunk any number of
// times, and finishes with exactly one of Complete or Error. Error may
// also be called before Headers.
//
// The methods may block until the pipeline has consumed the event and
// return immediately once the pipeline has stopped listening, so a
// transport must call them from a single goroutine of its own, never
// from inside Open.
type Events interface {
	Headers(statusCode int, header http.Header)
	BodyChunk(p []byte)
	Complete()
	Error(err error)
}

// Conn is an open transport connection.
type Conn interface {
	// Cancel tears the connection down. It must be safe to call more
	// than once and after the connection has finished.
	Cancel()
}

// Transport opens connections for requests. The pipeline never retries;
// retry policies belong above it.
type Transport interface {
	// Open sends req and reports the response through events. An error
	// means no connection was established and no events will follow.
	Open(ctx context.Context, req *Request, events Events) (Conn, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request, events Events) (Conn, error)

// Open calls f.
func (f TransportFunc) Open(ctx context.Context, req *Request, events Events) (Conn, error) {
	return f(ctx, req, events)
}

// CancelFunc adapts a function to the Conn interface.
type CancelFunc func()

// Cancel calls f.
func (f CancelFunc) Cancel() { f() }
