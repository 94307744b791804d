// Package pipeline implements the Commit-attempt Pipeline (C8): an
// ordered, mutable chain of processors sitting in front of the storage
// engine's Commit, grounded on the registration/compiled-queue idiom used
// throughout the teacher's infrastructure tree for lazily-built lookup
// structures invalidated on mutation.
package pipeline

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/r3e-labs/entitystore/commit"
)

// Processor is one stage of the pipeline. next is the remainder of the
// chain (the next registered processor, or the terminal storage engine);
// a processor that doesn't call next short-circuits the commit entirely.
type Processor interface {
	Process(ctx context.Context, attempt commit.Attempt, next commit.Committer) (commit.Result, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, attempt commit.Attempt, next commit.Committer) (commit.Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, attempt commit.Attempt, next commit.Committer) (commit.Result, error) {
	return f(ctx, attempt, next)
}

// committerFunc adapts a plain function to commit.Committer, used to bind
// "the rest of the chain" as the next argument passed to a processor.
type committerFunc func(ctx context.Context, attempt commit.Attempt) (commit.Result, error)

func (f committerFunc) Commit(ctx context.Context, attempt commit.Attempt) (commit.Result, error) {
	return f(ctx, attempt)
}

// Registry holds the mutable registration list and the terminal stage
// (normally the storage engine). It implements commit.Committer, so a
// Registry can itself be nested as a stage of another pipeline.
type Registry struct {
	terminal commit.Committer

	mu         sync.Mutex
	processors []Processor
	compiled   atomic.Pointer[[]Processor]
}

// New builds a Registry terminating in terminal.
func New(terminal commit.Committer) *Registry {
	return &Registry{terminal: terminal}
}

// Register appends p to the chain and returns true, unless an equal
// processor is already registered, in which case it returns false
// unchanged. The first-registered processor is the first to see a commit
// attempt; composing the chain is conceptually building it up from the
// terminal stage outward in reverse-registration order, so that the
// outermost (first-called) wrapper is the first one registered.
func (r *Registry) Register(p Processor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.processors {
		if reflect.DeepEqual(existing, p) {
			return false
		}
	}
	r.processors = append(r.processors, p)
	r.compiled.Store(nil)
	return true
}

// Unregister removes p, returning true if it was present.
func (r *Registry) Unregister(p Processor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.processors {
		if reflect.DeepEqual(existing, p) {
			r.processors = append(r.processors[:i], r.processors[i+1:]...)
			r.compiled.Store(nil)
			return true
		}
	}
	return false
}

// queue returns the compiled execution order, rebuilding (under the
// mutation lock) only when a prior Register/Unregister invalidated the
// cached pointer; the common read path never blocks on the mutex.
func (r *Registry) queue() []Processor {
	if q := r.compiled.Load(); q != nil {
		return *q
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.compiled.Load(); q != nil {
		return *q
	}
	snapshot := append([]Processor(nil), r.processors...)
	r.compiled.Store(&snapshot)
	return snapshot
}

// Commit implements commit.Committer: it runs attempt through every
// registered processor, in registration order, before the terminal stage.
func (r *Registry) Commit(ctx context.Context, attempt commit.Attempt) (commit.Result, error) {
	return r.runFrom(ctx, attempt, r.queue(), 0)
}

func (r *Registry) runFrom(ctx context.Context, attempt commit.Attempt, queue []Processor, idx int) (commit.Result, error) {
	if idx >= len(queue) {
		return r.terminal.Commit(ctx, attempt)
	}
	next := committerFunc(func(ctx context.Context, attempt commit.Attempt) (commit.Result, error) {
		return r.runFrom(ctx, attempt, queue, idx+1)
	})
	return queue[idx].Process(ctx, attempt, next)
}

// Project builds a Processor that maps every entry of the attempt through
// fn before passing the projected attempt to the rest of the chain; the
// original attempt is left unmodified.
func Project(fn func(commit.Entry) commit.Entry) Processor {
	return ProcessorFunc(func(ctx context.Context, attempt commit.Attempt, next commit.Committer) (commit.Result, error) {
		projected := make(commit.Attempt, len(attempt))
		for i, entry := range attempt {
			projected[i] = fn(entry)
		}
		return next.Commit(ctx, projected)
	})
}
