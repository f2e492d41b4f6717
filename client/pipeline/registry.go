package pipeline

import (
	"fmt"
	"sync"
)

// Registry tracks in-flight pipelines by request ID. Pipelines add
// themselves when they start preflighting and remove themselves when
// they reach a terminal state. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Pipeline
	byKey  map[string]string
	active sync.WaitGroup
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]*Pipeline),
		byKey: make(map[string]string),
	}
}

func (r *Registry) add(p *Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.req.ID
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicate, id)
	}

	if key := p.req.DedupeKey; key != "" {
		if holder, ok := r.byKey[key]; ok {
			return fmt.Errorf("%w: key %q held by %s", ErrDuplicate, key, holder)
		}
		r.byKey[key] = id
	}

	r.byID[id] = p
	r.active.Add(1)

	return nil
}

func (r *Registry) remove(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.req.ID
	if r.byID[id] != p {
		return
	}
	delete(r.byID, id)
	if key := p.req.DedupeKey; key != "" && r.byKey[key] == id {
		delete(r.byKey, key)
	}
	r.active.Done()
}

// Get returns the in-flight pipeline for a request ID.
func (r *Registry) Get(id string) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	return p, ok
}

// Len returns the number of in-flight pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

// Snapshot returns the in-flight pipelines at the time of the call.
func (r *Registry) Snapshot() []*Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Pipeline, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}

	return out
}

// Cancel cancels the in-flight pipeline with the given request ID. It
// reports whether such a pipeline was found.
func (r *Registry) Cancel(id string) bool {
	p, ok := r.Get(id)
	if !ok {
		return false
	}

	p.Cancel()
	return true
}

// CancelAll cancels every in-flight pipeline whose request matches
// match, or all of them when match is nil. It returns how many pipelines
// it cancelled.
func (r *Registry) CancelAll(match func(*Request) bool) int {
	var n int
	for _, p := range r.Snapshot() {
		if match != nil && !match(p.req) {
			continue
		}
		if p.abort(newError(ErrUserCancelled, nil, "cancelled in bulk")) {
			n++
		}
	}

	return n
}

// Wait blocks until every pipeline added so far has left the registry.
func (r *Registry) Wait() {
	r.active.Wait()
}
