package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/TrialGuides/Cumulus/client/coder"
	"github.com/TrialGuides/Cumulus/client/contentrange"
	"github.com/TrialGuides/Cumulus/client/dispatch"
	"github.com/TrialGuides/Cumulus/client/pipeline"
	"github.com/TrialGuides/Cumulus/client/progress"
	"github.com/TrialGuides/Cumulus/client/throttle"
	"go.opentelemetry.io/otel/trace"
)

// Option is a functional option for configuring a [Client] via [Build].
type Option func(*options) error
type options struct {
	client            *http.Client
	rt                http.RoundTripper
	transport         pipeline.Transport
	timeout           *time.Duration
	userAgent         string
	throttle          *throttle.Config
	noFollowRedirects bool
	maxConcurrent     int64
	logger            *slog.Logger
	tracer            trace.TracerProvider
	coders            *coder.Registry
	progressExec      dispatch.Executor
	controlExec       dispatch.Executor
	progressLog       *time.Duration
	noSniff           bool
}

// WithClient replaces the default [http.Client] used by the [HTTPTransport].
func WithClient(hc *http.Client) Option {
	return func(c *options) error {
		if hc == nil {
			return errors.New("client must not be nil")
		}
		c.client = hc
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		c.rt = rt
		return nil
	}
}

// WithPipelineTransport replaces the HTTP transport entirely. Options that
// configure the [http.Client] have no effect once it is set.
func WithPipelineTransport(t pipeline.Transport) Option {
	return func(c *options) error {
		if t == nil {
			return errors.New("pipeline transport must not be nil")
		}
		c.transport = t
		return nil
	}
}

// WithTimeout sets the overall request timeout on the underlying [http.Client].
func WithTimeout(d time.Duration) Option {
	return func(c *options) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		c.timeout = &d
		return nil
	}
}

// WithUserAgent adds a persistent User-Agent header to all outgoing requests.
func WithUserAgent(header string) Option {
	return func(c *options) error {
		c.userAgent = header
		return nil
	}
}

// WithThrottle limits how fast connections are opened, with the given
// requests per second and burst capacity.
func WithThrottle(rps, burst int) Option {
	return func(c *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, throttle.ErrMustNotBeZero)
		}
		c.throttle = &throttle.Config{RPS: rps, Burst: burst}
		return nil
	}
}

// WithNoFollowRedirects prevents the [Client] from following HTTP redirects.
func WithNoFollowRedirects() Option {
	return func(c *options) error {
		c.noFollowRedirects = true
		return nil
	}
}

// WithMaxConcurrent bounds the number of connections open at once.
// Requests beyond the limit wait for a slot while awaiting headers.
func WithMaxConcurrent(n int) Option {
	return func(c *options) error {
		if n <= 0 {
			return fmt.Errorf("max concurrent[%d] %w", n, throttle.ErrMustNotBeZero)
		}
		c.maxConcurrent = int64(n)
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return func(c *options) error {
		c.logger = logger
		return nil
	}
}

// WithTracerProvider sets the provider of the tracer used for pipeline
// spans. Spans are not recorded by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *options) error {
		if tp == nil {
			return errors.New("tracer provider must not be nil")
		}
		c.tracer = tp
		return nil
	}
}

// WithCoders replaces the coder registry, which defaults to
// [coder.Default].
func WithCoders(r *coder.Registry) Option {
	return func(c *options) error {
		if r == nil {
			return errors.New("coder registry must not be nil")
		}
		c.coders = r
		return nil
	}
}

// WithProgressExecutor sets where progress hooks run. By default each
// delivery gets its own goroutine.
func WithProgressExecutor(e dispatch.Executor) Option {
	return func(c *options) error {
		if e == nil {
			return errors.New("progress executor must not be nil")
		}
		c.progressExec = e
		return nil
	}
}

// WithControlExecutor sets where preflight, completion and abort hooks
// run. e must run tasks one at a time. By default the Client owns a
// [dispatch.Serial] executor.
func WithControlExecutor(e dispatch.Executor) Option {
	return func(c *options) error {
		if e == nil {
			return errors.New("control executor must not be nil")
		}
		c.controlExec = e
		return nil
	}
}

// WithProgressLogging logs the progress of every transfer, at most once
// per interval.
func WithProgressLogging(interval time.Duration) Option {
	return func(c *options) error {
		if interval <= 0 {
			return fmt.Errorf("interval[%s] %w", interval, throttle.ErrMustNotBeZero)
		}
		c.progressLog = &interval
		return nil
	}
}

// WithoutSniffing returns bodies without a Content-Type raw instead of
// detecting their type.
func WithoutSniffing() Option {
	return func(c *options) error {
		c.noSniff = true
		return nil
	}
}

// userAgent is an http.RoundTripper, enabling the persistent User-Agent header.
type userAgent struct {
	value string
	base  http.RoundTripper
}

func (ua userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	cpy := r.Clone(r.Context())
	cpy.Header.Set("User-Agent", ua.value)
	return ua.base.RoundTrip(cpy)
}

// RequestOption is a functional option for [NewRequest].
type RequestOption func(options *requestOpts) error

type requestOpts struct {
	body        any
	contentType *string
	cookies     []*http.Cookie
	headers     map[string][]string
	rng         *contentrange.Range
	dedupeKey   string
	expCode     int
	hooks       pipeline.Hooks
}

// WithPayload sets the request body. It is encoded with the coder
// registered for the request Content-Type; a []byte payload is sent as
// is.
func WithPayload(body any) RequestOption {
	return func(opts *requestOpts) error {
		opts.body = body

		return nil
	}
}

// WithContentType overrides the default "application/json" Content-Type header.
func WithContentType(contentType string) RequestOption {
	return func(opts *requestOpts) error {
		if contentType == "" {
			return errors.New("cannot use empty content type")
		}

		opts.contentType = &contentType

		return nil
	}
}

// WithHeaders adds custom headers to the outgoing request. Repeated use
// adds to the headers already given.
func WithHeaders(headers map[string][]string) RequestOption {
	return func(opts *requestOpts) error {
		if opts.headers == nil {
			opts.headers = make(map[string][]string, len(headers))
		}
		for k, v := range headers {
			opts.headers[k] = append(opts.headers[k], v...)
		}

		return nil
	}
}

// WithCookies attaches the given cookies to the outgoing request.
func WithCookies(cookies ...*http.Cookie) RequestOption {
	return func(opts *requestOpts) error {
		opts.cookies = cookies

		return nil
	}
}

// WithRange requests the given byte span. Ranges that are empty,
// negative or run past a known total are rejected.
func WithRange(r contentrange.Range) RequestOption {
	return func(opts *requestOpts) error {
		if err := r.Validate(); err != nil {
			return err
		}

		opts.rng = &r

		return nil
	}
}

// WithDedupe refuses the request with [ErrDuplicate] while another
// in-flight request of the same Client holds key.
func WithDedupe(key string) RequestOption {
	return func(opts *requestOpts) error {
		if key == "" {
			return errors.New("cannot use empty dedupe key")
		}

		opts.dedupeKey = key

		return nil
	}
}

// WithExpectStatus attaches an [UnexpectedStatusError] condition to the
// response when its status code differs from code. The request still
// completes.
func WithExpectStatus(code int) RequestOption {
	return func(opts *requestOpts) error {
		if code < 100 || code > 999 {
			return fmt.Errorf("invalid status code %d", code)
		}

		opts.expCode = code

		return nil
	}
}

// WithPreflight sets the hook that may inspect or modify the request
// before any network I/O. Returning false aborts it.
func WithPreflight(fn PreflightFunc) RequestOption {
	return func(opts *requestOpts) error {
		opts.hooks.Preflight = fn

		return nil
	}
}

// WithProgress sets the hook receiving transfer progress. The request
// completes only after the hook has seen the final count, so the hook
// must not wait for the request itself.
func WithProgress(fn progress.Func) RequestOption {
	return func(opts *requestOpts) error {
		opts.hooks.Progress = fn

		return nil
	}
}

// WithPostProcessor sets the hook that may transform the decoded result.
func WithPostProcessor(fn PostProcessorFunc) RequestOption {
	return func(opts *requestOpts) error {
		opts.hooks.PostProcessor = fn

		return nil
	}
}

// WithCompletion sets the hook run once when the request completes.
func WithCompletion(fn CompletionFunc) RequestOption {
	return func(opts *requestOpts) error {
		opts.hooks.Completion = fn

		return nil
	}
}

// WithAbort sets the hook run once when the request aborts.
func WithAbort(fn AbortFunc) RequestOption {
	return func(opts *requestOpts) error {
		opts.hooks.Abort = fn

		return nil
	}
}

// URLOption is a functional option for [URL].
type URLOption func(options *urlOpts)

type urlOpts struct {
	queryStrings map[string]string
	port         *int
}

// WithQueryStrings appends query parameters to the URL.
func WithQueryStrings(queryKV map[string]string) URLOption {
	return func(opts *urlOpts) {
		opts.queryStrings = queryKV
	}
}

// WithPort sets the port number on the URL's host.
func WithPort(port int) URLOption {
	return func(opts *urlOpts) {
		opts.port = &port
	}
}
