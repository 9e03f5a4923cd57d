package nm

import (
	"fmt"
	"sync/atomic"
	"time"

	"pianm/common"
)

// Future is the awaitable half of a pending operation. It carries the
// result of exactly one asynchronous service call.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Await blocks until the operation settles or the timeout elapses.
// A timeout does not cancel the underlying native call (the service
// offers no cancellation primitive): the outcome is unknown, the call
// may still complete later, and callers should re-query state rather
// than assume rollback.
func (f *Future[T]) Await(timeout time.Duration) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-time.After(timeout):
		var zero T
		return zero, fmt.Errorf("%w after %s (native call still in flight)", common.ErrTimeout, timeout)
	}
}

// Pending is one in-flight asynchronous service call: a settle-once
// slot plus the completion callback handed to the service. Settling
// twice is a programming error, detected by panic when debug asserts
// are enabled.
type Pending[T any] struct {
	loop    *Loop
	settled atomic.Bool
	future  *Future[T]
}

// NewPending creates a pending operation bound to the given loop.
// The loop may be nil for operations settled outside any loop (tests).
func NewPending[T any](loop *Loop) *Pending[T] {
	return &Pending[T]{
		loop:   loop,
		future: &Future[T]{done: make(chan struct{})},
	}
}

// Future returns the awaitable handle for this operation.
func (p *Pending[T]) Future() *Future[T] {
	return p.future
}

// Complete is the native completion callback. The service invokes it on
// the loop thread once the call finishes.
//
// A nil source with no error is a hard failure: NetworkManager can
// deliver completions with null arguments on internal failure paths,
// and those must never be mistaken for success. A nil payload with a
// nil error is valid for operations defined to return nothing (delete,
// settings update).
func (p *Pending[T]) Complete(source any, value T, err error) {
	if p.loop != nil {
		p.loop.AssertOnLoopThread()
	}

	if err == nil && source == nil {
		var zero T
		p.settle(zero, common.NewOperationError("", 0,
			"service completion delivered with nil source object"))
		return
	}

	p.settle(value, err)
}

// Resolve settles the operation directly, bypassing the nil-source
// check. Used for loop-internal synchronous reads where there is no
// native callback involved.
func (p *Pending[T]) Resolve(value T, err error) {
	p.settle(value, err)
}

// settle records the result exactly once. A second settle attempt never
// alters the already-observed result; it panics under debug asserts and
// is logged otherwise.
func (p *Pending[T]) settle(value T, err error) {
	if !p.settled.CompareAndSwap(false, true) {
		if debugAsserts.Load() {
			panic("pending operation settled twice")
		}
		common.LogError("Dropped duplicate settle of pending operation (err=%v)", err)
		return
	}

	p.future.value = value
	p.future.err = err
	close(p.future.done)
}
