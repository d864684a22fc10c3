// Package runctx holds the state shared by everything taking part in one
// test run: the cancellation token, the coarse lock guarding the scheduler
// queues, the devices quarantined so far and the handlers to invoke when
// the run is aborted.
package runctx

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

// ErrCancelled is the cause recorded when Cancel is called with a nil error
var ErrCancelled = errors.New("run cancelled")

// RunContext is passed by pointer into the scheduler, the session
// orchestrators and the lease holder of a run.
type RunContext struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	// mu guards queue bookkeeping only; never hold it across device I/O
	mu sync.Mutex

	handlersMu sync.Mutex
	handlers   map[int]func(cause error)
	nextID     int
	aborted    bool

	problemsMu sync.Mutex
	problems   []domain.ProblemDevice
}

// New creates a RunContext derived from parent
func New(parent context.Context) *RunContext {
	ctx, cancel := context.WithCancelCause(parent)
	r := &RunContext{
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[int]func(cause error)),
	}
	// A cancelled parent aborts the run too
	context.AfterFunc(ctx, func() { r.Cancel(context.Cause(ctx)) })
	return r
}

// Context returns the context cancelled when the run is cancelled
func (r *RunContext) Context() context.Context {
	return r.ctx
}

// Cancelled reports whether the run has been cancelled
func (r *RunContext) Cancelled() bool {
	return r.ctx.Err() != nil
}

// Err returns the cancellation cause, or nil while the run is live
func (r *RunContext) Err() error {
	if r.ctx.Err() == nil {
		return nil
	}
	return context.Cause(r.ctx)
}

// Cancel cancels the run and invokes every registered abort handler once.
// Subsequent calls are no-ops.
func (r *RunContext) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}

	r.handlersMu.Lock()
	if r.aborted {
		r.handlersMu.Unlock()
		return
	}
	r.aborted = true
	handlers := make([]func(error), 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.handlers = nil
	r.handlersMu.Unlock()

	r.cancel(cause)

	// Invoke outside of lock so handlers may call back into the context
	for _, h := range handlers {
		h(cause)
	}
}

// OnAbort registers fn to run when the run is cancelled. If the run is
// already cancelled fn runs immediately. The returned func unregisters it.
func (r *RunContext) OnAbort(fn func(cause error)) (unregister func()) {
	r.handlersMu.Lock()
	if r.aborted {
		r.handlersMu.Unlock()
		fn(r.Err())
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.handlers[id] = fn
	r.handlersMu.Unlock()

	return func() {
		r.handlersMu.Lock()
		defer r.handlersMu.Unlock()
		delete(r.handlers, id)
	}
}

// WithLock runs fn while holding the queue lock
func (r *RunContext) WithLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// MarkProblem quarantines pd for the rest of the run. It reports false when
// pd was already quarantined.
func (r *RunContext) MarkProblem(pd domain.ProblemDevice) bool {
	r.problemsMu.Lock()
	defer r.problemsMu.Unlock()
	if slices.Contains(r.problems, pd) {
		return false
	}
	r.problems = append(r.problems, pd)
	return true
}

// ProblemDevices returns the devices quarantined so far, oldest first
func (r *RunContext) ProblemDevices() []domain.ProblemDevice {
	r.problemsMu.Lock()
	defer r.problemsMu.Unlock()
	return slices.Clone(r.problems)
}

// ClearProblemDevices makes every quarantined device eligible again
func (r *RunContext) ClearProblemDevices() {
	r.problemsMu.Lock()
	defer r.problemsMu.Unlock()
	r.problems = nil
}
