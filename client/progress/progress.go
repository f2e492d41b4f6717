// Package progress accumulates per-request byte counts and delivers
// progress notifications to caller hooks.
package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TrialGuides/Cumulus/client/dispatch"
)

// Info describes the transfer state of a single request.
type Info struct {
	RequestID     string
	URL           string
	BytesReceived int64
	// BytesExpected is -1 when the server did not announce a length.
	BytesExpected int64
}

// Fraction returns the completed share of the transfer in [0, 1], or
// -1 if the expected size is unknown.
func (i Info) Fraction() float64 {
	if i.BytesExpected < 0 {
		return -1
	}
	if i.BytesExpected == 0 {
		return 1
	}

	return float64(i.BytesReceived) / float64(i.BytesExpected)
}

// Func is a caller supplied progress hook.
type Func func(Info)

// Option configures a [Reporter].
type Option func(*options)

type options struct {
	logger      *slog.Logger
	logInterval time.Duration
}

// WithLogger enables progress logging for every tracked request.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogInterval sets the minimum time between two progress log lines
// of the same request. It defaults to one second.
func WithLogInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.logInterval = d
		}
	}
}

// Reporter fans progress events out to hooks on an executor.
//
// For a single request at most one delivery is queued or running at any
// time. Events arriving while a delivery is pending are coalesced into
// it, so hooks observe non-decreasing byte counts and never run
// concurrently for the same request. No delivery starts once the request
// is closed.
type Reporter struct {
	exec dispatch.Executor
	opts options

	mu       sync.RWMutex
	trackers map[string]*tracker
}

// NewReporter creates a Reporter that delivers hook calls on exec.
func NewReporter(exec dispatch.Executor, optFns ...Option) *Reporter {
	opts := options{logInterval: time.Second}
	for _, opt := range optFns {
		opt(&opts)
	}
	if exec == nil {
		exec = dispatch.Go
	}

	return &Reporter{
		exec:     exec,
		opts:     opts,
		trackers: make(map[string]*tracker),
	}
}

type tracker struct {
	hook Func
	log  *logState

	mu        sync.Mutex
	latest    Info
	delivered int64
	started   bool
	pending   bool
	closed    bool

	// idle is closed when the pending delivery catches up.
	idle chan struct{}
}

// Track begins accounting for the request id. hook may be nil, in which
// case only logging (if enabled) happens.
func (r *Reporter) Track(id, url string, hook Func) {
	t := &tracker{
		hook:      hook,
		latest:    Info{RequestID: id, URL: url, BytesExpected: -1},
		delivered: -1,
	}
	if r.opts.logger != nil {
		t.log = &logState{
			logger:    r.opts.logger.With("request_id", id, "url", url),
			interval:  r.opts.logInterval,
			startTime: time.Now(),
		}
	}

	r.mu.Lock()
	r.trackers[id] = t
	r.mu.Unlock()
}

// Report records that received of expected bytes have arrived for id.
// Reports with a lower received count than one already seen are
// ignored. Reports for unknown or closed requests are dropped.
func (r *Reporter) Report(id string, received, expected int64) {
	r.mu.RLock()
	t, ok := r.trackers[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if t.closed || (t.started && received < t.latest.BytesReceived) {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.latest.BytesReceived = received
	t.latest.BytesExpected = expected
	snapshot := t.latest
	schedule := t.hook != nil && !t.pending
	if schedule {
		t.pending = true
		t.idle = make(chan struct{})
	}
	t.mu.Unlock()

	if t.log != nil {
		t.log.observe(snapshot)
	}

	if schedule {
		r.exec.Dispatch(func() { t.deliver() })
	}
}

// Flush returns a channel that is closed once the hook of id has seen
// the latest reported count, or has no delivery queued or running. It is
// already closed for unknown requests.
func (r *Reporter) Flush(id string) <-chan struct{} {
	r.mu.RLock()
	t, ok := r.trackers[id]
	r.mu.RUnlock()
	if !ok {
		return closedChan
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pending {
		return closedChan
	}

	return t.idle
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Close stops accounting for id.
func (r *Reporter) Close(id string) {
	r.mu.Lock()
	t, ok := r.trackers[id]
	delete(r.trackers, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Len returns the number of requests being tracked.
func (r *Reporter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.trackers)
}

// deliver invokes the hook until it has caught up with the latest event.
func (t *tracker) deliver() {
	for {
		t.mu.Lock()
		if t.closed || t.latest.BytesReceived == t.delivered {
			t.pending = false
			close(t.idle)
			t.idle = nil
			t.mu.Unlock()
			return
		}
		info := t.latest
		t.delivered = info.BytesReceived
		t.mu.Unlock()

		t.hook(info)
	}
}

// logState logs progress at most once per interval.
type logState struct {
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time

	mu      sync.Mutex
	lastLog time.Time
	done    bool
}

func (l *logState) observe(info Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return
	}

	if info.BytesExpected >= 0 && info.BytesReceived >= info.BytesExpected {
		l.done = true
		l.log("transfer complete", info)
		return
	}

	if time.Since(l.lastLog) >= l.interval {
		l.lastLog = time.Now()
		l.log("transferring", info)
	}
}

func (l *logState) log(msg string, info Info) {
	elapsed := time.Since(l.startTime)

	progress := "unknown"
	if f := info.Fraction(); f >= 0 {
		progress = fmt.Sprintf("%.1f%%", f*100)
	}

	var mbps float64
	if secs := elapsed.Seconds(); secs > 0 {
		mbps = float64(info.BytesReceived) / secs / (1024 * 1024)
	}

	l.logger.Info(msg,
		"progress", progress,
		"elapsed", elapsed.Round(time.Millisecond),
		"transferred", info.BytesReceived,
		"total", info.BytesExpected,
		"mbps", fmt.Sprintf("%.2f", mbps),
	)
}
