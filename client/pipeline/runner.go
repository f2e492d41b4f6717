// Package pipeline drives requests through preflight, transport,
// progress streaming, decoding and post-processing to exactly one of
// completion or abort.
//
// A [Runner] holds the collaborators shared by every pipeline it starts:
// the [Transport], the coder registry, the progress reporter, the
// control executor on which preflight, completion and abort hooks run,
// and the [Registry] of in-flight pipelines.
//
//	r := pipeline.NewRunner(transport)
//	defer r.Close()
//
//	req := pipeline.NewRequest(ctx, http.MethodGet, u, pipeline.Hooks{
//		Completion: func(resp *pipeline.Response) { ... },
//	})
//	p, err := r.Submit(req)
//	resp, err := p.Wait(ctx)
package pipeline

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/TrialGuides/Cumulus/client/coder"
	"github.com/TrialGuides/Cumulus/client/dispatch"
	"github.com/TrialGuides/Cumulus/client/progress"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrClosed is returned by [Runner.Submit] after [Runner.Close].
var ErrClosed = errors.New("runner closed")

// Option configures a [Runner].
type Option func(*options)

type options struct {
	coders   *coder.Registry
	registry *Registry
	reporter *progress.Reporter
	control  dispatch.Executor
	logger   *slog.Logger
	tracer   trace.Tracer
	noSniff  bool
}

// WithCoders sets the coder registry used to decode responses.
func WithCoders(r *coder.Registry) Option {
	return func(o *options) { o.coders = r }
}

// WithRegistry sets the registry pipelines are tracked in.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithReporter sets the progress reporter.
func WithReporter(r *progress.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithControl sets the control executor. It must run tasks one at a
// time; the Runner does not close an executor it did not create.
func WithControl(e dispatch.Executor) Option {
	return func(o *options) { o.control = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithoutSniffing disables content detection for responses that carry
// no Content-Type; such bodies are then returned raw.
func WithoutSniffing() Option {
	return func(o *options) { o.noSniff = true }
}

// Runner starts pipelines.
type Runner struct {
	transport Transport
	coders    *coder.Registry
	registry  *Registry
	reporter  *progress.Reporter
	control   dispatch.Executor
	logger    *slog.Logger
	tracer    trace.Tracer
	sniff     bool

	ownControl *dispatch.Serial

	mu     sync.RWMutex
	closed bool
}

// NewRunner returns a Runner opening connections with t.
func NewRunner(t Transport, optFns ...Option) *Runner {
	var opts options
	for _, opt := range optFns {
		opt(&opts)
	}

	r := &Runner{
		transport: t,
		coders:    opts.coders,
		registry:  opts.registry,
		reporter:  opts.reporter,
		control:   opts.control,
		logger:    opts.logger,
		tracer:    opts.tracer,
		sniff:     !opts.noSniff,
	}

	if r.coders == nil {
		r.coders = coder.Default()
	}
	if r.registry == nil {
		r.registry = NewRegistry()
	}
	if r.reporter == nil {
		r.reporter = progress.NewReporter(dispatch.Go)
	}
	if r.control == nil {
		r.ownControl = dispatch.NewSerial()
		r.control = r.ownControl
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("")
	}

	return r
}

// Registry returns the registry of in-flight pipelines.
func (r *Runner) Registry() *Registry { return r.registry }

// Coders returns the coder registry.
func (r *Runner) Coders() *coder.Registry { return r.coders }

// Submit validates req and starts its pipeline.
func (r *Runner) Submit(req *Request) (*Pipeline, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request and its URL must not be nil")
	}
	if req.Range != nil {
		if err := req.Range.Validate(); err != nil {
			return nil, err
		}
	}
	if !req.submitted.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubmitted
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		req.submitted.Store(false)
		return nil, ErrClosed
	}

	p := newPipeline(r, req)
	if err := r.registry.add(p); err != nil {
		p.discard()
		req.submitted.Store(false)
		return nil, err
	}
	r.reporter.Track(req.ID, req.URL.String(), req.hooks.Progress)
	if p.State().Terminal() {
		// Cancelled through the registry before tracking began.
		r.reporter.Close(req.ID)
	}
	p.launch()

	return p, nil
}

// Close cancels all in-flight pipelines, waits for their terminal hooks
// to be scheduled, and stops the control executor if the Runner created
// it. Queued hooks still run. It is safe to call Close more than once,
// and from inside a hook.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.registry.CancelAll(nil)
	r.registry.Wait()

	if r.ownControl != nil {
		r.ownControl.Close()
	}
}
