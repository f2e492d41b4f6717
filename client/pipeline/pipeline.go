package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TrialGuides/Cumulus/client/coder"
	"github.com/TrialGuides/Cumulus/client/contentrange"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline drives one Request to a terminal state.
//
// Terminal transitions are a compare-and-swap on the state, so when
// natural completion races a cancellation exactly one of them wins and
// exactly one terminal hook is scheduled.
type Pipeline struct {
	r      *Runner
	req    *Request
	logger *slog.Logger

	state atomic.Int32

	ctx    context.Context
	endCtx context.CancelFunc
	span   trace.Span
	began  time.Time

	events chan event
	stop   chan struct{} // closed on entering a terminal state
	done   chan struct{} // closed after the terminal hook returned

	mu   sync.Mutex
	conn Conn

	// Owned by the run goroutine until a terminal state.
	resp     *Response
	received int64
	expected int64

	err *Error
}

func newPipeline(r *Runner, req *Request) *Pipeline {
	p := &Pipeline{
		r:        r,
		req:      req,
		logger:   r.logger.With("request_id", req.ID),
		began:    time.Now(),
		events:   make(chan event),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		expected: -1,
	}
	p.state.Store(int32(StateCreated))

	ctx, span := r.tracer.Start(req.ctx, "cumulus.pipeline",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("http.method", req.Method),
			attribute.String("url", req.URL.String()),
		),
	)
	p.span = span
	p.ctx, p.endCtx = context.WithCancel(ctx)

	if req.Range != nil {
		req.Header.Set("Range", req.Range.Header())
	}

	return p
}

// discard releases a pipeline that never started. It was never tracked,
// so a live pipeline under the same ID keeps its progress state.
func (p *Pipeline) discard() {
	p.endCtx()
	p.span.End()
}

// ID returns the request ID.
func (p *Pipeline) ID() string { return p.req.ID }

// Request returns the request being driven.
func (p *Pipeline) Request() *Request { return p.req }

// State returns the current state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Done is closed once the terminal hook, if any, has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Cancel aborts the pipeline with ErrUserCancelled. It is a no-op once
// the pipeline is terminal, and safe to call from any goroutine,
// including from inside a hook.
func (p *Pipeline) Cancel() {
	p.abort(newError(ErrUserCancelled, nil, "cancelled by caller"))
}

// Wait blocks until the pipeline is done or ctx ends. On completion it
// returns the response; on abort it returns the *Error describing why.
func (p *Pipeline) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if p.err != nil {
		return nil, p.err
	}

	return p.resp, nil
}

// launch moves the pipeline into preflighting and starts its goroutine.
func (p *Pipeline) launch() {
	if !p.advance(StateCreated, StatePreflighting) {
		return
	}

	go p.run()
}

func (p *Pipeline) run() {
	if !p.preflight() {
		return
	}
	if !p.open() {
		return
	}

	p.stream()
}

// advance moves from one non-terminal state to the next. It fails when
// the pipeline was aborted in the meantime.
func (p *Pipeline) advance(from, to State) bool {
	if !p.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	p.logger.Debug("pipeline state", "from", from.String(), "to", to.String())
	p.span.AddEvent(to.String())

	return true
}

type verdict struct {
	ok    bool
	cause error
}

// preflight runs the preflight hook on the control executor and waits
// for its verdict.
func (p *Pipeline) preflight() bool {
	if hook := p.req.hooks.Preflight; hook != nil {
		result := make(chan verdict, 1)
		p.r.control.Dispatch(func() {
			if p.State().Terminal() {
				result <- verdict{}
				return
			}
			result <- callPreflight(hook, p.req)
		})

		select {
		case v := <-result:
			if !v.ok {
				p.abort(newError(ErrPreflightRejected, v.cause, "%s %s", p.req.Method, p.req.URL))
				return false
			}
		case <-p.req.ctx.Done():
			p.abort(newError(ErrUserCancelled, context.Cause(p.req.ctx), "request context done during preflight"))
			return false
		case <-p.stop:
			return false
		}
	}

	return p.advance(StatePreflighting, StateAwaitingHeaders)
}

func callPreflight(hook PreflightFunc, req *Request) (v verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			v = verdict{cause: fmt.Errorf("preflight hook panicked: %v", rec)}
		}
	}()

	return verdict{ok: hook(req)}
}

// open asks the transport for a connection.
func (p *Pipeline) open() bool {
	conn, err := p.r.transport.Open(p.ctx, p.req, sink{p: p})
	if err != nil {
		if p.req.ctx.Err() != nil {
			p.abort(newError(ErrUserCancelled, err, "request context done while opening"))
			return false
		}
		p.abort(newError(ErrTransportFailed, err, "opening %s", p.req.URL))
		return false
	}

	p.mu.Lock()
	p.conn = conn
	terminal := p.State().Terminal()
	p.mu.Unlock()

	if terminal {
		conn.Cancel()
		return false
	}

	return true
}

// stream consumes transport events until the body completes or the
// pipeline stops.
func (p *Pipeline) stream() {
	for {
		select {
		case ev := <-p.events:
			if finished := p.handle(ev); finished {
				return
			}
		case <-p.req.ctx.Done():
			p.abort(newError(ErrUserCancelled, context.Cause(p.req.ctx), "request context done"))
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Pipeline) handle(ev event) bool {
	switch ev.kind {
	case evHeaders:
		if p.resp != nil {
			p.abort(newError(ErrTransportFailed, nil, "headers received twice"))
			return true
		}
		p.onHeaders(ev.statusCode, ev.header)
		return false

	case evChunk:
		if p.resp == nil {
			p.abort(newError(ErrTransportFailed, nil, "body received before headers"))
			return true
		}
		p.resp.Body = append(p.resp.Body, ev.chunk...)
		p.received += int64(len(ev.chunk))
		p.r.reporter.Report(p.req.ID, p.received, p.expected)
		return false

	case evComplete:
		if p.resp == nil {
			p.abort(newError(ErrTransportFailed, nil, "body completed before headers"))
			return true
		}
		p.finish()
		return true

	case evError:
		if p.req.ctx.Err() != nil {
			p.abort(newError(ErrUserCancelled, ev.err, "request context done"))
			return true
		}
		p.abort(newError(ErrTransportFailed, ev.err, "%s %s", p.req.Method, p.req.URL))
		return true
	}

	return false
}

func (p *Pipeline) onHeaders(statusCode int, header http.Header) {
	if !p.advance(StateAwaitingHeaders, StateStreaming) {
		return
	}

	resp := &Response{
		Request:     p.req,
		StatusCode:  statusCode,
		Header:      header,
		ContentType: header.Get("Content-Type"),
		Class:       coder.ClassNone,
	}
	p.resp = resp
	p.span.SetAttributes(attribute.Int("http.status_code", statusCode))

	p.checkRange(resp)

	if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
		p.expected = n
	} else if resp.Range != nil {
		p.expected = resp.Range.Length
	}

	p.r.reporter.Report(p.req.ID, 0, p.expected)
}

// checkRange records the served range and flags a RangeMismatch when a
// requested range was not honoured. It never retries.
func (p *Pipeline) checkRange(resp *Response) {
	want := p.req.Range

	var served *contentrange.Range
	var parseErr error
	if resp.StatusCode == http.StatusPartialContent {
		cr, err := contentrange.Parse(resp.Header.Get("Content-Range"))
		if err == nil {
			served = &cr
		}
		parseErr = err
	}
	resp.Range = served

	if want == nil {
		return
	}

	switch {
	case resp.StatusCode != http.StatusPartialContent:
		resp.AddCondition(newError(ErrRangeMismatch, nil, "requested %s, got status %d", want.Header(), resp.StatusCode))
	case parseErr != nil:
		resp.AddCondition(newError(ErrRangeMismatch, parseErr, "requested %s", want.Header()))
	case !want.Matches(*served):
		resp.AddCondition(newError(ErrRangeMismatch, nil, "requested %s, served %s", want.Header(), served.ContentRange()))
	}

	if resp.Has(ErrRangeMismatch) {
		p.logger.Info("range mismatch", "requested", want.Header(), "status", resp.StatusCode, "content_range", resp.Header.Get("Content-Range"))
	}
}

// finish waits for the progress hook to see the final count, then
// decodes, post-processes and completes.
func (p *Pipeline) finish() {
	select {
	case <-p.r.reporter.Flush(p.req.ID):
	case <-p.req.ctx.Done():
		p.abort(newError(ErrUserCancelled, context.Cause(p.req.ctx), "request context done"))
		return
	case <-p.stop:
		return
	}

	if !p.advance(StateStreaming, StateDecoding) {
		return
	}
	p.decode()

	if !p.advance(StateDecoding, StatePostProcessing) {
		return
	}
	p.postProcess()

	p.complete()
}

func (p *Pipeline) decode() {
	resp := p.resp

	if resp.ContentType == "" && p.r.sniff && len(resp.Body) > 0 {
		resp.ContentType = coder.Sniff(resp.Body)
	}

	if len(resp.Body) == 0 {
		resp.Class = p.r.coders.Classify(resp.ContentType)
		resp.Result = resp.Body
		return
	}

	result, class, err := safeDecode(p.r.coders, resp.ContentType, resp.Body)
	resp.Class = class
	if err != nil {
		resp.Result = resp.Body
		resp.AddCondition(newError(ErrDecodeFailed, err, "content type %q", resp.ContentType))
		p.logger.Info("decode failed", "content_type", resp.ContentType, "class", string(class), "error", err)
		return
	}
	resp.Result = result
}

func safeDecode(r *coder.Registry, contentType string, body []byte) (result any, class coder.Class, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("decoder panicked: %v", rec)
		}
	}()

	return r.Decode(contentType, body)
}

func (p *Pipeline) postProcess() {
	hook := p.req.hooks.PostProcessor
	if hook == nil {
		return
	}

	resp := p.resp
	prev := resp.Result

	result, err := callPostProcessor(hook, resp, prev)
	if err != nil {
		resp.Result = prev
		resp.AddCondition(newError(ErrPostProcessorFailed, err, ""))
		p.logger.Info("post-processor failed", "error", err)
		return
	}
	resp.Result = result
}

func callPostProcessor(hook PostProcessorFunc, resp *Response, result any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("post-processor panicked: %v", rec)
		}
	}()

	return hook(resp, result)
}

// complete is the only path to StateCompleted.
func (p *Pipeline) complete() {
	if !p.state.CompareAndSwap(int32(StatePostProcessing), int32(StateCompleted)) {
		return
	}
	p.settle()

	resp := p.resp
	p.logger.Info("request completed",
		"method", p.req.Method,
		"url", p.req.URL.String(),
		"status", resp.StatusCode,
		"bytes", len(resp.Body),
		"class", string(resp.Class),
		"conditions", len(resp.Conditions),
		"since", time.Since(p.began).String(),
	)
	p.span.AddEvent(StateCompleted.String())
	if err := resp.Err(); err != nil {
		p.span.SetAttributes(attribute.String("conditions", err.Error()))
	}
	p.span.End()

	hook := p.req.hooks.Completion
	p.r.control.Dispatch(func() {
		defer close(p.done)
		if hook != nil {
			p.guard("completion", func() { hook(resp) })
		}
	})

	p.r.registry.remove(p)
}

// abort is the only path to StateAborted; it reports whether this call
// performed the transition.
func (p *Pipeline) abort(err *Error) bool {
	for {
		cur := p.State()
		if cur.Terminal() {
			return false
		}
		if p.state.CompareAndSwap(int32(cur), int32(StateAborted)) {
			break
		}
	}

	p.err = err
	p.req.abortErr = err
	p.settle()

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Cancel()
	}

	p.logger.Warn("request aborted",
		"method", p.req.Method,
		"url", p.req.URL.String(),
		"reason", err.Err.Error(),
		"error", err.Error(),
		"since", time.Since(p.began).String(),
	)
	p.span.RecordError(err)
	p.span.SetStatus(codes.Error, err.Err.Error())
	p.span.End()

	hook := p.req.hooks.Abort
	p.r.control.Dispatch(func() {
		defer close(p.done)
		if hook != nil {
			p.guard("abort", func() { hook(p.req) })
		}
	})

	p.r.registry.remove(p)

	return true
}

// settle releases what the pipeline holds once it is terminal.
func (p *Pipeline) settle() {
	close(p.stop)
	p.endCtx()
	p.r.reporter.Close(p.req.ID)
}

// guard runs a terminal hook, logging a panic instead of taking down
// the control executor.
func (p *Pipeline) guard(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("hook panicked", "hook", name, "panic", fmt.Sprint(rec))
		}
	}()

	fn()
}

type eventKind int

const (
	evHeaders eventKind = iota
	evChunk
	evComplete
	evError
)

type event struct {
	kind       eventKind
	statusCode int
	header     http.Header
	chunk      []byte
	err        error
}

// sink is the Events a pipeline hands to its transport. Each call hands
// the event to the run goroutine, or returns at once if the pipeline has
// stopped.
type sink struct {
	p *Pipeline
}

func (s sink) send(ev event) {
	select {
	case s.p.events <- ev:
	case <-s.p.stop:
	}
}

func (s sink) Headers(statusCode int, header http.Header) {
	if header == nil {
		header = make(http.Header)
	}
	s.send(event{kind: evHeaders, statusCode: statusCode, header: header.Clone()})
}

func (s sink) BodyChunk(b []byte) {
	if len(b) == 0 {
		return
	}
	s.send(event{kind: evChunk, chunk: bytes.Clone(b)})
}

func (s sink) Complete() {
	s.send(event{kind: evComplete})
}

func (s sink) Error(err error) {
	s.send(event{kind: evError, err: err})
}
