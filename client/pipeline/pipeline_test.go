package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TrialGuides/Cumulus/client/contentrange"
	"github.com/TrialGuides/Cumulus/client/dispatch"
	"github.com/TrialGuides/Cumulus/client/pipeline"
	"github.com/TrialGuides/Cumulus/client/progress"
	"github.com/google/go-cmp/cmp"
)

type script func(ctx context.Context, events pipeline.Events)

// spyTransport records how it is used and plays a script on its own
// goroutine for every opened connection.
type spyTransport struct {
	play    script
	openErr error

	opened    atomic.Int32
	cancelled atomic.Int32

	mu      sync.Mutex
	headers []http.Header
}

func (s *spyTransport) Open(ctx context.Context, req *pipeline.Request, events pipeline.Events) (pipeline.Conn, error) {
	s.opened.Add(1)
	s.mu.Lock()
	s.headers = append(s.headers, req.Header.Clone())
	s.mu.Unlock()

	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.play != nil {
		go s.play(ctx, events)
	}

	return pipeline.CancelFunc(func() { s.cancelled.Add(1) }), nil
}

func (s *spyTransport) lastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

func respond(status int, header http.Header, chunks ...string) script {
	return func(_ context.Context, events pipeline.Events) {
		events.Headers(status, header)
		for _, c := range chunks {
			events.BodyChunk([]byte(c))
		}
		events.Complete()
	}
}

// hold sends headers and one chunk, signals started, and then waits
// for the connection to be torn down.
func hold(started chan<- struct{}) script {
	return func(ctx context.Context, events pipeline.Events) {
		events.Headers(http.StatusOK, http.Header{"Content-Length": {"100"}})
		events.BodyChunk([]byte("partial"))
		close(started)
		<-ctx.Done()
		events.Error(ctx.Err())
	}
}

type hookSpy struct {
	completed atomic.Int32
	aborted   atomic.Int32
}

func (h *hookSpy) hooks() pipeline.Hooks {
	return pipeline.Hooks{
		Completion: func(*pipeline.Response) { h.completed.Add(1) },
		Abort:      func(*pipeline.Request) { h.aborted.Add(1) },
	}
}

func newRunner(t *testing.T, tr pipeline.Transport, opts ...pipeline.Option) *pipeline.Runner {
	t.Helper()

	opts = append([]pipeline.Option{pipeline.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	r := pipeline.NewRunner(tr, opts...)
	t.Cleanup(r.Close)

	return r
}

func testURL(t *testing.T) *url.URL {
	t.Helper()

	u, err := url.Parse("http://example.test/resource")
	if err != nil {
		t.Fatalf("parsing url: %v", err)
	}
	return u
}

func submit(t *testing.T, r *pipeline.Runner, req *pipeline.Request) *pipeline.Pipeline {
	t.Helper()

	p, err := r.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return p
}

func TestPipeline_Range(t *testing.T) {
	requested := contentrange.Make(0, 10, 100)

	testCases := []struct {
		name       string
		status     int
		header     http.Header
		expMatch   bool
		expServed  *contentrange.Range
		expBodyLen int
	}{
		{
			name:       "Served range matches",
			status:     http.StatusPartialContent,
			header:     http.Header{"Content-Range": {"bytes 0-9/100"}},
			expMatch:   true,
			expServed:  &requested,
			expBodyLen: 10,
		},
		{
			name:       "Range ignored by server",
			status:     http.StatusOK,
			header:     http.Header{},
			expMatch:   false,
			expBodyLen: 100,
		},
		{
			name:       "Different span served",
			status:     http.StatusPartialContent,
			header:     http.Header{"Content-Range": {"bytes 10-19/100"}},
			expMatch:   false,
			expServed:  &contentrange.Range{Location: 10, Length: 10, Total: 100},
			expBodyLen: 10,
		},
		{
			name:       "Unparseable Content-Range",
			status:     http.StatusPartialContent,
			header:     http.Header{"Content-Range": {"items 0-9"}},
			expMatch:   false,
			expBodyLen: 10,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &spyTransport{play: respond(tc.status, tc.header, strings.Repeat("x", tc.expBodyLen))}
			r := newRunner(t, tr)

			req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{})
			rng := requested
			req.Range = &rng

			resp, err := submit(t, r, req).Wait(t.Context())
			if err != nil {
				t.Fatalf("exp completion, got: %v", err)
			}

			if got := tr.lastHeader().Get("Range"); got != "bytes=0-9" {
				t.Errorf("exp Range header %q, got %q", "bytes=0-9", got)
			}
			if mismatch := resp.Has(pipeline.ErrRangeMismatch); mismatch == tc.expMatch {
				t.Errorf("exp range match %t, conditions: %v", tc.expMatch, resp.Conditions)
			}
			if diff := cmp.Diff(tc.expServed, resp.Range); diff != "" {
				t.Errorf("served range mismatch (-want +got):\n%s", diff)
			}
			if len(resp.Body) != tc.expBodyLen {
				t.Errorf("exp body of %d bytes, got %d", tc.expBodyLen, len(resp.Body))
			}
		})
	}
}

func TestPipeline_PreflightRejected(t *testing.T) {
	testCases := []struct {
		name      string
		preflight pipeline.PreflightFunc
	}{
		{
			name:      "Returns false",
			preflight: func(*pipeline.Request) bool { return false },
		},
		{
			name:      "Panics",
			preflight: func(*pipeline.Request) bool { panic("boom") },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &spyTransport{play: respond(http.StatusOK, nil, "body")}
			r := newRunner(t, tr)

			var spy hookSpy
			hooks := spy.hooks()
			hooks.Preflight = tc.preflight

			var abortedReq *pipeline.Request
			abort := hooks.Abort
			hooks.Abort = func(req *pipeline.Request) {
				abortedReq = req
				abort(req)
			}

			req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), hooks)
			p := submit(t, r, req)

			resp, err := p.Wait(t.Context())
			if !errors.Is(err, pipeline.ErrPreflightRejected) {
				t.Fatalf("exp ErrPreflightRejected, got: %v", err)
			}
			if resp != nil {
				t.Errorf("exp nil response on abort, got %+v", resp)
			}
			if n := tr.opened.Load(); n != 0 {
				t.Errorf("exp transport never opened, opened %d times", n)
			}
			if spy.aborted.Load() != 1 || spy.completed.Load() != 0 {
				t.Errorf("exp one abort hook, got aborted=%d completed=%d", spy.aborted.Load(), spy.completed.Load())
			}
			if abortedReq != req {
				t.Error("exp abort hook to receive the original request")
			}
			if !errors.Is(req.AbortErr(), pipeline.ErrPreflightRejected) {
				t.Errorf("exp request abort reason, got: %v", req.AbortErr())
			}
			if p.State() != pipeline.StateAborted {
				t.Errorf("exp state %s, got %s", pipeline.StateAborted, p.State())
			}
		})
	}
}

func TestPipeline_PreflightModifiesHeaders(t *testing.T) {
	tr := &spyTransport{play: respond(http.StatusOK, nil)}
	r := newRunner(t, tr)

	req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{
		Preflight: func(req *pipeline.Request) bool {
			req.Header.Set("X-Signed", "yes")
			return true
		},
	})

	if _, err := submit(t, r, req).Wait(t.Context()); err != nil {
		t.Fatalf("exp completion, got: %v", err)
	}
	if got := tr.lastHeader().Get("X-Signed"); got != "yes" {
		t.Errorf("exp header added by preflight, got %q", got)
	}
}

func TestPipeline_TransportFailed(t *testing.T) {
	errDial := errors.New("dial refused")
	errReset := errors.New("connection reset")

	testCases := []struct {
		name     string
		tr       *spyTransport
		expCause error
	}{
		{
			name:     "Open fails",
			tr:       &spyTransport{openErr: errDial},
			expCause: errDial,
		},
		{
			name: "Error while streaming",
			tr: &spyTransport{play: func(_ context.Context, events pipeline.Events) {
				events.Headers(http.StatusOK, nil)
				events.BodyChunk([]byte("half"))
				events.Error(errReset)
			}},
			expCause: errReset,
		},
		{
			name: "Error before headers",
			tr: &spyTransport{play: func(_ context.Context, events pipeline.Events) {
				events.Error(errReset)
			}},
			expCause: errReset,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRunner(t, tc.tr)

			var spy hookSpy
			req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), spy.hooks())

			_, err := submit(t, r, req).Wait(t.Context())
			if !errors.Is(err, pipeline.ErrTransportFailed) {
				t.Fatalf("exp ErrTransportFailed, got: %v", err)
			}
			if !errors.Is(err, tc.expCause) {
				t.Errorf("exp cause %v in %v", tc.expCause, err)
			}

			var perr *pipeline.Error
			if !errors.As(err, &perr) || perr.Cause != tc.expCause {
				t.Errorf("exp *pipeline.Error carrying the cause, got %#v", err)
			}
			if spy.aborted.Load() != 1 || spy.completed.Load() != 0 {
				t.Errorf("exp one abort hook, got aborted=%d completed=%d", spy.aborted.Load(), spy.completed.Load())
			}
		})
	}
}

func TestPipeline_CancelWhileStreaming(t *testing.T) {
	started := make(chan struct{})
	tr := &spyTransport{play: hold(started)}
	r := newRunner(t, tr)

	var spy hookSpy
	p := submit(t, r, pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), spy.hooks()))

	<-started
	p.Cancel()
	p.Cancel()

	_, err := p.Wait(t.Context())
	if !errors.Is(err, pipeline.ErrUserCancelled) {
		t.Fatalf("exp ErrUserCancelled, got: %v", err)
	}

	p.Cancel()

	if n := spy.aborted.Load(); n != 1 {
		t.Errorf("exp exactly one abort hook, got %d", n)
	}
	if n := spy.completed.Load(); n != 0 {
		t.Errorf("exp no completion hook, got %d", n)
	}
	if n := tr.cancelled.Load(); n < 1 {
		t.Error("exp transport connection to be cancelled")
	}
	if p.State() != pipeline.StateAborted {
		t.Errorf("exp state %s, got %s", pipeline.StateAborted, p.State())
	}
}

func TestPipeline_RequestContextCancelled(t *testing.T) {
	started := make(chan struct{})
	r := newRunner(t, &spyTransport{play: hold(started)})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	p := submit(t, r, pipeline.NewRequest(ctx, http.MethodGet, testURL(t), pipeline.Hooks{}))

	<-started
	cancel()

	_, err := p.Wait(t.Context())
	if !errors.Is(err, pipeline.ErrUserCancelled) {
		t.Fatalf("exp ErrUserCancelled, got: %v", err)
	}
}

func TestPipeline_CancelFromHook(t *testing.T) {
	started := make(chan struct{})
	r := newRunner(t, &spyTransport{play: hold(started)})

	var p *pipeline.Pipeline
	var ready sync.WaitGroup
	ready.Add(1)

	var spy hookSpy
	hooks := spy.hooks()
	hooks.Progress = func(progress.Info) {
		ready.Wait()
		p.Cancel()
	}

	p = submit(t, r, pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), hooks))
	ready.Done()

	if _, err := p.Wait(t.Context()); !errors.Is(err, pipeline.ErrUserCancelled) {
		t.Fatalf("exp ErrUserCancelled, got: %v", err)
	}
	if n := spy.aborted.Load(); n != 1 {
		t.Errorf("exp exactly one abort hook, got %d", n)
	}
}

func TestPipeline_OneTerminalHook(t *testing.T) {
	const iterations = 200

	tr := &spyTransport{play: respond(http.StatusOK, nil, "a", "b", "c")}
	r := newRunner(t, tr)

	for i := range iterations {
		var spy hookSpy
		p := submit(t, r, pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), spy.hooks()))

		if i%2 == 0 {
			go p.Cancel()
		} else {
			p.Cancel()
		}

		resp, err := p.Wait(t.Context())

		completed, aborted := spy.completed.Load(), spy.aborted.Load()
		if completed+aborted != 1 {
			t.Fatalf("iteration %d: exp exactly one terminal hook, got completed=%d aborted=%d", i, completed, aborted)
		}

		switch p.State() {
		case pipeline.StateCompleted:
			if err != nil || resp == nil || completed != 1 {
				t.Fatalf("iteration %d: completed with err=%v resp=%v", i, err, resp)
			}
		case pipeline.StateAborted:
			if !errors.Is(err, pipeline.ErrUserCancelled) || aborted != 1 {
				t.Fatalf("iteration %d: aborted with err=%v", i, err)
			}
		default:
			t.Fatalf("iteration %d: exp terminal state, got %s", i, p.State())
		}
	}
}

func TestPipeline_Decode(t *testing.T) {
	testCases := []struct {
		name      string
		header    http.Header
		body      string
		sniff     bool
		expResult any
		expFailed bool
	}{
		{
			name:      "JSON object",
			header:    http.Header{"Content-Type": {"application/json; charset=utf-8"}},
			body:      `{"a":1}`,
			expResult: map[string]any{"a": float64(1)},
		},
		{
			name:      "Invalid JSON keeps raw bytes",
			header:    http.Header{"Content-Type": {"application/json"}},
			body:      `{"a":`,
			expResult: []byte(`{"a":`),
			expFailed: true,
		},
		{
			name:      "Unmapped type passes through",
			header:    http.Header{"Content-Type": {"application/x-unknown"}},
			body:      "raw",
			expResult: []byte("raw"),
		},
		{
			name:      "Text",
			header:    http.Header{"Content-Type": {"text/plain"}},
			body:      "hello",
			expResult: "hello",
		},
		{
			name:      "Sniffed JSON",
			header:    http.Header{},
			body:      `{"a":1}`,
			sniff:     true,
			expResult: map[string]any{"a": float64(1)},
		},
		{
			name:      "No sniffing",
			header:    http.Header{},
			body:      `{"a":1}`,
			expResult: []byte(`{"a":1}`),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var opts []pipeline.Option
			if !tc.sniff {
				opts = append(opts, pipeline.WithoutSniffing())
			}
			r := newRunner(t, &spyTransport{play: respond(http.StatusOK, tc.header, tc.body)}, opts...)

			var spy hookSpy
			resp, err := submit(t, r, pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), spy.hooks())).Wait(t.Context())
			if err != nil {
				t.Fatalf("exp completion, got: %v", err)
			}

			if diff := cmp.Diff(tc.expResult, resp.Result); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
			if got := resp.Has(pipeline.ErrDecodeFailed); got != tc.expFailed {
				t.Errorf("exp decode failed %t, conditions: %v", tc.expFailed, resp.Conditions)
			}
			if spy.completed.Load() != 1 {
				t.Errorf("exp completion hook once, got %d", spy.completed.Load())
			}
		})
	}
}

func TestPipeline_PostProcessor(t *testing.T) {
	errBad := errors.New("bad result")

	testCases := []struct {
		name      string
		post      pipeline.PostProcessorFunc
		expResult any
		expFailed bool
	}{
		{
			name: "Replaces result",
			post: func(_ *pipeline.Response, result any) (any, error) {
				return fmt.Sprintf("%v!", result), nil
			},
			expResult: "ok!",
		},
		{
			name: "Error keeps previous result",
			post: func(*pipeline.Response, any) (any, error) {
				return "ignored", errBad
			},
			expResult: "ok",
			expFailed: true,
		},
		{
			name: "Panic keeps previous result",
			post: func(*pipeline.Response, any) (any, error) {
				panic("boom")
			},
			expResult: "ok",
			expFailed: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRunner(t, &spyTransport{play: respond(http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, "ok")})

			resp, err := submit(t, r, pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{
				PostProcessor: tc.post,
			})).Wait(t.Context())
			if err != nil {
				t.Fatalf("exp completion, got: %v", err)
			}

			if diff := cmp.Diff(tc.expResult, resp.Result); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
			if got := resp.Has(pipeline.ErrPostProcessorFailed); got != tc.expFailed {
				t.Errorf("exp post-processor failed %t, conditions: %v", tc.expFailed, resp.Conditions)
			}
		})
	}
}

func TestPipeline_ProgressInline(t *testing.T) {
	chunks := []string{"aaaa", "bbbb", "cccc"}
	r := newRunner(t,
		&spyTransport{play: respond(http.StatusOK, http.Header{"Content-Length": {"12"}}, chunks...)},
		pipeline.WithReporter(progress.NewReporter(dispatch.Inline)),
	)

	var got []progress.Info
	req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{
		Progress: func(info progress.Info) { got = append(got, info) },
	})
	if _, err := submit(t, r, req).Wait(t.Context()); err != nil {
		t.Fatalf("exp completion, got: %v", err)
	}

	u := testURL(t).String()
	exp := []progress.Info{
		{RequestID: req.ID, URL: u, BytesReceived: 0, BytesExpected: 12},
		{RequestID: req.ID, URL: u, BytesReceived: 4, BytesExpected: 12},
		{RequestID: req.ID, URL: u, BytesReceived: 8, BytesExpected: 12},
		{RequestID: req.ID, URL: u, BytesReceived: 12, BytesExpected: 12},
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestPipeline_ProgressNonDecreasing(t *testing.T) {
	chunks := make([]string, 500)
	for i := range chunks {
		chunks[i] = "0123456789"
	}
	r := newRunner(t, &spyTransport{play: respond(http.StatusOK, nil, chunks...)})

	var (
		mu       sync.Mutex
		received []int64
		running  atomic.Int32
		overlap  atomic.Bool
	)
	req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{
		Progress: func(info progress.Info) {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)

			mu.Lock()
			received = append(received, info.BytesReceived)
			mu.Unlock()
		},
	})
	if _, err := submit(t, r, req).Wait(t.Context()); err != nil {
		t.Fatalf("exp completion, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(received) == 0 {
		t.Fatal("exp at least one progress call")
	}
	for i := 1; i < len(received); i++ {
		if received[i] < received[i-1] {
			t.Fatalf("progress went backwards at %d: %d after %d", i, received[i], received[i-1])
		}
	}
	if overlap.Load() {
		t.Error("exp progress hooks of one request never to overlap")
	}
}

func TestPipeline_ProgressFinalCount(t *testing.T) {
	// The default reporter delivers on new goroutines, so the last
	// delivery races completion.
	r := newRunner(t, &spyTransport{play: respond(http.StatusOK, http.Header{"Content-Length": {"6"}}, "abc", "def")})

	for i := range 200 {
		var last atomic.Int64
		var seenAtCompletion int64
		req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{
			Progress:   func(info progress.Info) { last.Store(info.BytesReceived) },
			Completion: func(*pipeline.Response) { seenAtCompletion = last.Load() },
		})

		if _, err := submit(t, r, req).Wait(t.Context()); err != nil {
			t.Fatalf("iteration %d: exp completion, got: %v", i, err)
		}
		if seenAtCompletion != 6 {
			t.Fatalf("iteration %d: progress hook saw %d of 6 bytes before completion", i, seenAtCompletion)
		}
	}
}

// controlSpy runs tasks in order on a goroutine it owns and reports
// whether one of its tasks is running.
type controlSpy struct {
	tasks   chan func()
	running atomic.Bool
}

func newControlSpy(t *testing.T) *controlSpy {
	t.Helper()

	c := &controlSpy{tasks: make(chan func(), 64)}
	go func() {
		for task := range c.tasks {
			c.running.Store(true)
			task()
			c.running.Store(false)
		}
	}()
	t.Cleanup(func() { close(c.tasks) })

	return c
}

func (c *controlSpy) Dispatch(task func()) { c.tasks <- task }

func TestPipeline_HooksOnControlExecutor(t *testing.T) {
	control := newControlSpy(t)
	started := make(chan struct{})

	var mu sync.Mutex
	onControl := map[string][]bool{}
	record := func(hook string) {
		mu.Lock()
		defer mu.Unlock()
		onControl[hook] = append(onControl[hook], control.running.Load())
	}

	completeTr := &spyTransport{play: respond(http.StatusOK, http.Header{"Content-Length": {"4"}}, "ab", "cd")}
	holdTr := &spyTransport{play: hold(started)}

	hooks := pipeline.Hooks{
		Preflight:  func(*pipeline.Request) bool { record("preflight"); return true },
		Progress:   func(progress.Info) { record("progress") },
		Completion: func(*pipeline.Response) { record("completion") },
		Abort:      func(*pipeline.Request) { record("abort") },
	}

	r := newRunner(t, completeTr, pipeline.WithControl(control), pipeline.WithReporter(progress.NewReporter(dispatch.Inline)))
	if _, err := submit(t, r, pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), hooks)).Wait(t.Context()); err != nil {
		t.Fatalf("exp completion, got: %v", err)
	}

	r = newRunner(t, holdTr, pipeline.WithControl(control), pipeline.WithReporter(progress.NewReporter(dispatch.Inline)))
	p := submit(t, r, pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), hooks))
	<-started
	p.Cancel()
	<-p.Done()

	mu.Lock()
	defer mu.Unlock()

	for _, hook := range []string{"preflight", "completion", "abort"} {
		runs := onControl[hook]
		if len(runs) == 0 {
			t.Errorf("%s hook never ran", hook)
		}
		for _, on := range runs {
			if !on {
				t.Errorf("%s hook ran outside the control executor", hook)
			}
		}
	}
	if len(onControl["progress"]) == 0 {
		t.Fatal("progress hook never ran")
	}
	for _, on := range onControl["progress"] {
		if on {
			t.Error("progress hook ran on the control executor")
		}
	}
}

func TestRunner_DuplicateIDKeepsProgress(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	tr := &spyTransport{play: func(_ context.Context, events pipeline.Events) {
		events.Headers(http.StatusOK, http.Header{"Content-Length": {"6"}})
		events.BodyChunk([]byte("abc"))
		close(started)
		<-gate
		events.BodyChunk([]byte("def"))
		events.Complete()
	}}
	r := newRunner(t, tr, pipeline.WithReporter(progress.NewReporter(dispatch.Inline)))

	var last atomic.Int64
	live := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{
		Progress: func(info progress.Info) { last.Store(info.BytesReceived) },
	})
	p := submit(t, r, live)
	<-started

	dup := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{})
	dup.ID = live.ID
	if _, err := r.Submit(dup); !errors.Is(err, pipeline.ErrDuplicate) {
		t.Fatalf("exp ErrDuplicate, got: %v", err)
	}

	close(gate)
	if _, err := p.Wait(t.Context()); err != nil {
		t.Fatalf("exp completion, got: %v", err)
	}
	if got := last.Load(); got != 6 {
		t.Errorf("exp final progress of 6 bytes, got %d", got)
	}
}

func TestRunner_Submit(t *testing.T) {
	t.Run("Twice", func(t *testing.T) {
		r := newRunner(t, &spyTransport{play: respond(http.StatusOK, nil)})
		req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{})

		submit(t, r, req)
		if _, err := r.Submit(req); !errors.Is(err, pipeline.ErrAlreadySubmitted) {
			t.Errorf("exp ErrAlreadySubmitted, got: %v", err)
		}
	})

	t.Run("Invalid range", func(t *testing.T) {
		tr := &spyTransport{}
		r := newRunner(t, tr)
		req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{})
		req.Range = &contentrange.Range{Location: 90, Length: 20, Total: 100}

		if _, err := r.Submit(req); !errors.Is(err, contentrange.ErrInvalidRange) {
			t.Errorf("exp ErrInvalidRange, got: %v", err)
		}
		if tr.opened.Load() != 0 {
			t.Error("exp transport never opened")
		}
	})

	t.Run("After close", func(t *testing.T) {
		r := newRunner(t, &spyTransport{})
		r.Close()

		req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{})
		if _, err := r.Submit(req); !errors.Is(err, pipeline.ErrClosed) {
			t.Errorf("exp ErrClosed, got: %v", err)
		}
	})
}

func TestRegistry_Dedupe(t *testing.T) {
	started := make(chan struct{})
	r := newRunner(t, &spyTransport{play: hold(started)})

	first := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{})
	first.DedupeKey = "avatar"
	p := submit(t, r, first)
	<-started

	second := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), pipeline.Hooks{})
	second.DedupeKey = "avatar"
	if _, err := r.Submit(second); !errors.Is(err, pipeline.ErrDuplicate) {
		t.Fatalf("exp ErrDuplicate, got: %v", err)
	}

	if got, ok := r.Registry().Get(first.ID); !ok || got != p {
		t.Error("exp first pipeline to be registered")
	}
	if n := r.Registry().Len(); n != 1 {
		t.Errorf("exp one in-flight pipeline, got %d", n)
	}
}

func TestRegistry_CancelAll(t *testing.T) {
	const total = 5

	var started sync.WaitGroup
	started.Add(total)
	tr := &spyTransport{play: func(ctx context.Context, events pipeline.Events) {
		events.Headers(http.StatusOK, nil)
		started.Done()
		<-ctx.Done()
		events.Error(ctx.Err())
	}}
	r := newRunner(t, tr)

	var spy hookSpy
	pipelines := make([]*pipeline.Pipeline, total)
	for i := range total {
		req := pipeline.NewRequest(t.Context(), http.MethodGet, testURL(t), spy.hooks())
		if i%2 == 0 {
			req.Header.Set("X-Group", "even")
		}
		pipelines[i] = submit(t, r, req)
	}
	started.Wait()

	n := r.Registry().CancelAll(func(req *pipeline.Request) bool {
		return req.Header.Get("X-Group") == "even"
	})
	if n != 3 {
		t.Fatalf("exp 3 cancelled, got %d", n)
	}

	for i, p := range pipelines {
		if i%2 != 0 {
			continue
		}
		if _, err := p.Wait(t.Context()); !errors.Is(err, pipeline.ErrUserCancelled) {
			t.Errorf("pipeline %d: exp ErrUserCancelled, got: %v", i, err)
		}
	}

	if !r.Registry().Cancel(pipelines[1].ID()) {
		t.Error("exp odd pipeline to be found")
	}
	if r.Registry().Cancel("missing") {
		t.Error("exp unknown id not to be found")
	}

	r.Close()

	if n := r.Registry().Len(); n != 0 {
		t.Errorf("exp empty registry after close, got %d", n)
	}
	for i, p := range pipelines {
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("pipeline %d not done after close", i)
		}
	}
	if n := spy.aborted.Load(); n != total {
		t.Errorf("exp %d abort hooks, got %d", total, n)
	}
}
