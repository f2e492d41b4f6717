package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/TrialGuides/Cumulus/client/coder"
	"github.com/TrialGuides/Cumulus/client/dispatch"
	"github.com/TrialGuides/Cumulus/client/pipeline"
	"github.com/TrialGuides/Cumulus/client/progress"
	"github.com/TrialGuides/Cumulus/client/throttle"
)

// Client submits requests to pipelines sharing one transport, one coder
// registry, one control executor and one registry of in-flight requests.
type Client struct {
	runner *pipeline.Runner
	coders *coder.Registry
	logger *slog.Logger
}

// Build creates a Client. Without options it sends requests with a fresh
// [http.Client] over [http.DefaultTransport].
func Build(optFns ...Option) (*Client, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}

	client := &Client{
		coders: coder.Default(),
		logger: slog.Default(),
	}

	if opts.logger != nil {
		client.logger = opts.logger
	}

	if opts.coders != nil {
		client.coders = opts.coders
	}

	transport := opts.transport
	if transport == nil {
		transport = NewHTTPTransport(httpClient(opts), opts.maxConcurrent, client.logger)
	}

	if opts.throttle != nil {
		t, err := throttle.New(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return client.logger }, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = t
	}

	progressExec := opts.progressExec
	if progressExec == nil {
		progressExec = dispatch.Go
	}
	var reporterOpts []progress.Option
	if opts.progressLog != nil {
		reporterOpts = append(reporterOpts, progress.WithLogger(client.logger), progress.WithLogInterval(*opts.progressLog))
	}

	runnerOpts := []pipeline.Option{
		pipeline.WithCoders(client.coders),
		pipeline.WithReporter(progress.NewReporter(progressExec, reporterOpts...)),
		pipeline.WithLogger(client.logger),
	}
	if opts.controlExec != nil {
		runnerOpts = append(runnerOpts, pipeline.WithControl(opts.controlExec))
	}
	if opts.tracer != nil {
		runnerOpts = append(runnerOpts, pipeline.WithTracer(opts.tracer.Tracer(tracerName)))
	}
	if opts.noSniff {
		runnerOpts = append(runnerOpts, pipeline.WithoutSniffing())
	}

	client.runner = pipeline.NewRunner(transport, runnerOpts...)

	return client, nil
}

func httpClient(opts options) *http.Client {
	hc := &http.Client{}
	if opts.client != nil {
		cpy := *opts.client
		hc = &cpy
	}

	if opts.timeout != nil {
		hc.Timeout = *opts.timeout
	}

	if opts.noFollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case hc.Transport != nil:
		transport = hc.Transport
	default:
		transport = http.DefaultTransport
	}
	if opts.userAgent != "" {
		transport = userAgent{value: opts.userAgent, base: transport}
	}
	hc.Transport = transport

	return hc
}

// Submit starts the request's pipeline and returns immediately. Hooks
// report the outcome; [Pipeline.Wait] blocks for it.
func (c *Client) Submit(req *Request) (*Pipeline, error) {
	p, err := c.runner.Submit(req)
	if err != nil {
		return nil, fmt.Errorf("submitting request: %w", err)
	}

	return p, nil
}

// Do submits the request and waits for its outcome. A completed request
// returns its response and a nil error even when the response carries
// conditions; see [Response.Err]. An aborted request returns an
// [*Error].
func (c *Client) Do(req *Request) (*Response, error) {
	p, err := c.Submit(req)
	if err != nil {
		return nil, err
	}

	// The pipeline ends by itself once the request context is done.
	return p.Wait(context.WithoutCancel(req.Context()))
}

// Get returns the in-flight pipeline of the request with the given ID.
func (c *Client) Get(id string) (*Pipeline, bool) {
	return c.runner.Registry().Get(id)
}

// Cancel cancels the in-flight request with the given ID and reports
// whether it was found.
func (c *Client) Cancel(id string) bool {
	return c.runner.Registry().Cancel(id)
}

// CancelAll cancels every in-flight request matching match, or all of
// them when match is nil, and returns how many it cancelled.
func (c *Client) CancelAll(match func(*Request) bool) int {
	return c.runner.Registry().CancelAll(match)
}

// InFlight returns the number of requests not yet terminal.
func (c *Client) InFlight() int {
	return c.runner.Registry().Len()
}

// Coders returns the coder registry used to encode payloads and decode
// responses. Coders registered on it apply to later requests.
func (c *Client) Coders() *coder.Registry {
	return c.coders
}

// Close cancels all in-flight requests and releases the control
// executor. Requests submitted afterwards fail with [ErrClosed].
func (c *Client) Close() {
	c.runner.Close()
}

// NewRequest instantiates a [Request] with the provided information.
// Payloads are encoded with the Client's coder registry.
func (c *Client) NewRequest(ctx context.Context, reqURL *url.URL, method string, opts ...RequestOption) (*Request, error) {
	return newRequest(ctx, c.coders, reqURL, method, opts...)
}

// URL creates a url.URL for use in NewRequest.
// It's just a convenience method that wraps the public URL func.
func (c *Client) URL(scheme, host, path string, opts ...URLOption) *url.URL {
	return URL(scheme, host, path, opts...)
}

// NewRequest instantiates a [Request] with the provided information,
// encoding any payload with the default coder registry.
// Content-Type defaults to `application/json` when a payload is given
// without WithContentType.
func NewRequest(ctx context.Context, reqURL *url.URL, method string, opts ...RequestOption) (*Request, error) {
	return newRequest(ctx, coder.Default(), reqURL, method, opts...)
}

func newRequest(ctx context.Context, coders *coder.Registry, reqURL *url.URL, method string, opts ...RequestOption) (*Request, error) {
	if reqURL == nil {
		return nil, errors.New("url must not be nil")
	}

	var settings requestOpts
	for _, opt := range opts {
		err := opt(&settings)
		if err != nil {
			return nil, err
		}
	}

	contentType := defaultContentType
	if settings.contentType != nil {
		contentType = *settings.contentType
	}

	var payload []byte
	switch body := settings.body.(type) {
	case nil:
	case []byte:
		payload = body
	case string:
		payload = []byte(body)
	default:
		b, err := coders.Encode(contentType, body)
		if err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
		payload = b
	}

	hooks := settings.hooks
	if settings.expCode != 0 {
		hooks.PostProcessor = expectStatus(settings.expCode, hooks.PostProcessor)
	}

	req := pipeline.NewRequest(ctx, method, reqURL, hooks)
	req.Body = payload
	req.Range = settings.rng
	req.DedupeKey = settings.dedupeKey

	if payload != nil || settings.contentType != nil {
		req.Header.Set("Content-Type", contentType)
	}

	if len(settings.cookies) > 0 {
		pairs := make([]string, 0, len(settings.cookies))
		for _, cookie := range settings.cookies {
			pairs = append(pairs, (&http.Cookie{Name: cookie.Name, Value: cookie.Value}).String())
		}
		req.Header.Add("Cookie", strings.Join(pairs, "; "))
	}

	for k, v := range settings.headers {
		for _, element := range v {
			req.Header.Add(k, element)
		}
	}

	return req, nil
}

func expectStatus(code int, next PostProcessorFunc) PostProcessorFunc {
	return func(resp *Response, result any) (any, error) {
		if resp.StatusCode != code {
			resp.AddCondition(newStatusError(resp))
		}
		if next == nil {
			return result, nil
		}

		return next(resp, result)
	}
}

// URL creates a url.URL for use in NewRequest.
func URL(scheme, host, path string, opts ...URLOption) *url.URL {
	var settings urlOpts
	for _, opt := range opts {
		opt(&settings)
	}

	if settings.port != nil {
		host = fmt.Sprintf("%s:%d", host, *settings.port)
	}

	endpoint := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   path,
	}

	if settings.queryStrings != nil {
		queryParams := url.Values{}
		for k, v := range settings.queryStrings {
			queryParams.Add(k, v)
		}

		endpoint.RawQuery = queryParams.Encode()
	}

	return &endpoint
}
