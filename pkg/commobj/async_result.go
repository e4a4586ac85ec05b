package commobj

import (
	"context"
	"sync/atomic"
	"time"
)

// AsyncCallback is invoked exactly once, after an AsyncResult completes
type AsyncCallback func(r *AsyncResult)

type asyncKind int

const (
	asyncKindNone asyncKind = iota
	asyncKindOpen
	asyncKindClose
)

// AsyncResult is a pending Open or Close (or any hook-level asynchronous work).
// It completes exactly once; Wait blocks until it has.
type AsyncResult struct {
	callback AsyncCallback
	state    interface{}
	timeout  time.Duration

	completed atomic.Bool
	consumed  atomic.Bool
	err       error
	done      chan struct{}

	// owner and kind are set for results handed out by BeginOpen/BeginClose, so
	// that the matching End call can reject foreign handles
	owner *CommunicationObject
	kind  asyncKind
}

// NewAsyncResult creates an incomplete result. callback and state may be nil.
func NewAsyncResult(timeout time.Duration, callback AsyncCallback, state interface{}) *AsyncResult {
	return &AsyncResult{
		callback: callback,
		state:    state,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// NewCompletedAsyncResult creates a result that is already complete with err.
// The callback, if any, is invoked before returning.
func NewCompletedAsyncResult(err error, callback AsyncCallback, state interface{}) *AsyncResult {
	r := NewAsyncResult(0, callback, state)
	r.Complete(err)
	return r
}

// Complete records the outcome, wakes every waiter, then runs the callback.
// Completing twice is a defect in the caller and returns a usage error; the
// first outcome is kept.
func (r *AsyncResult) Complete(err error) error {
	if !r.completed.CompareAndSwap(false, true) {
		return &UsageError{Op: "Complete", Msg: "async result already completed"}
	}
	r.err = err
	close(r.done)
	if r.callback != nil {
		r.callback(r)
	}
	return nil
}

// Wait blocks until Complete has been called and returns the outcome
func (r *AsyncResult) Wait() error {
	<-r.done
	return r.err
}

// WaitContext is Wait bounded by ctx. If ctx ends first its error is returned
// and the result stays pending.
func (r *AsyncResult) WaitContext(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCompleted polls for completion without blocking
func (r *AsyncResult) IsCompleted() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// DoneChan returns a channel that is closed on completion
func (r *AsyncResult) DoneChan() <-chan struct{} {
	return r.done
}

// AsyncState returns the opaque user state given at creation
func (r *AsyncResult) AsyncState() interface{} {
	return r.state
}

// Timeout returns the budget given at creation
func (r *AsyncResult) Timeout() time.Duration {
	return r.timeout
}

// consume claims the result for an End call on owner. Fails with a usage error
// if the handle came from elsewhere or was already consumed.
func (r *AsyncResult) consume(op string, owner *CommunicationObject, kind asyncKind) error {
	if r == nil {
		return &UsageError{Op: op, Msg: "nil async result"}
	}
	if r.owner != owner || r.kind != kind {
		return &UsageError{Op: op, Msg: "async result was not returned by the matching Begin call on this object"}
	}
	if !r.consumed.CompareAndSwap(false, true) {
		return &UsageError{Op: op, Msg: "async result already ended"}
	}
	return nil
}
