// Package dispatch provides the execution contexts that pipeline hooks
// run on.
//
// A [Serial] executor runs tasks one at a time, in submission order, on
// a single goroutine. A Client shares one Serial executor across all of
// its pipelines as the control context, so preflight, completion and
// abort hooks never run concurrently with each other.
//
// [Go] runs every task on its own goroutine and is the default context
// for progress hooks.
package dispatch

import (
	"sync"
)

// Executor runs tasks. Dispatch must not block the caller and must be
// safe to call from within a task it is running.
type Executor interface {
	Dispatch(task func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(task func())

// Dispatch calls f(task).
func (f ExecutorFunc) Dispatch(task func()) { f(task) }

// Go is an Executor that starts a goroutine per task.
var Go Executor = ExecutorFunc(func(task func()) { go task() })

// Inline is an Executor that runs the task on the calling goroutine.
// It is mostly useful in tests.
var Inline Executor = ExecutorFunc(func(task func()) { task() })

// Serial runs tasks in FIFO order on a single goroutine. The queue is
// unbounded so Dispatch never blocks.
type Serial struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
}

// NewSerial starts a Serial executor.
func NewSerial() *Serial {
	s := &Serial{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.loop()

	return s
}

// Dispatch enqueues task. Tasks dispatched after Close are dropped.
func (s *Serial) Dispatch(task func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting tasks. Tasks already queued still run; use
// Stopped to wait for them. Close does not block, so it is safe to call
// from a task running on s.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stopped is closed once the executor has drained after Close.
func (s *Serial) Stopped() <-chan struct{} { return s.stopped }

func (s *Serial) loop() {
	defer close(s.stopped)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()
	}
}
