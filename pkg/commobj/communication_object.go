package commobj

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/commobj/pkg/logger"
)

// Communicator is the lifecycle surface shared by every channel, listener and
// service host
type Communicator interface {
	Open(timeout time.Duration) error
	OpenDefault() error
	DefaultOpenTimeout() time.Duration
	BeginOpen(timeout time.Duration, callback AsyncCallback, state interface{}) *AsyncResult
	EndOpen(r *AsyncResult) error

	Close(timeout time.Duration) error
	CloseDefault() error
	DefaultCloseTimeout() time.Duration
	BeginClose(timeout time.Duration, callback AsyncCallback, state interface{}) *AsyncResult
	EndClose(r *AsyncResult) error

	Abort()

	State() CommunicationState
	ClosedChan() <-chan struct{}
	AddObserver(observer StateObserver)
	String() string
}

// StateObserver is called after each transition, once the matching observer
// hook has run. It must not block.
type StateObserver func(state CommunicationState)

// CommunicationObject is the lifecycle state machine underlying every
// endpoint. It decides transitions under a private lock, then runs the
// endpoint's Hooks with the lock released.
//
// A CommunicationObject is normally embedded in the endpoint that supplies
// its Hooks, and initialized in place with InitCommunicationObject.
type CommunicationObject struct {
	// Logger carries the object's name as its prefix
	logger.Logger

	name     string
	hooks    Hooks
	lock     sync.Mutex
	timeouts TimeoutPolicy

	state        CommunicationState
	faultCause   error
	closedFired  bool
	faultedFired bool
	observers    []StateObserver

	// released is claimed by whichever of the close and abort paths gets to
	// the release hook first
	released atomic.Bool

	// openSettled is closed once the (single) Open attempt has decided its outcome
	openSettled chan struct{}

	// closedChan is closed once the object is Closed and OnClosed has run
	closedChan chan struct{}
}

var _ Communicator = (*CommunicationObject)(nil)

// InitCommunicationObject initializes a CommunicationObject in place
func (c *CommunicationObject) InitCommunicationObject(
	lg logger.Logger,
	hooks Hooks,
	namef string,
	args ...interface{},
) {
	c.name = fmt.Sprintf(namef, args...)
	c.Logger = lg.Fork("%s", c.name)
	c.hooks = hooks
	c.timeouts = DefaultTimeoutPolicy()
	c.state = StateCreated
	c.openSettled = make(chan struct{})
	c.closedChan = make(chan struct{})
}

// NewCommunicationObject creates a standalone CommunicationObject driving hooks
func NewCommunicationObject(
	lg logger.Logger,
	hooks Hooks,
	namef string,
	args ...interface{},
) *CommunicationObject {
	c := &CommunicationObject{}
	c.InitCommunicationObject(lg, hooks, namef, args...)
	return c
}

func (c *CommunicationObject) String() string {
	return c.name
}

// SetTimeouts replaces the object's default budgets. Non-positive fields fall
// back to the package defaults.
func (c *CommunicationObject) SetTimeouts(p TimeoutPolicy) {
	c.lock.Lock()
	c.timeouts = p.WithDefaults()
	c.lock.Unlock()
}

// Timeouts returns the object's default budgets
func (c *CommunicationObject) Timeouts() TimeoutPolicy {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.timeouts
}

// DefaultOpenTimeout returns the endpoint's open budget if it supplies one,
// otherwise the configured policy
func (c *CommunicationObject) DefaultOpenTimeout() time.Duration {
	if d, ok := c.hooks.(OpenTimeoutDefaulter); ok {
		return d.OpenTimeoutDefault()
	}
	return c.Timeouts().OpenTimeout
}

// DefaultCloseTimeout returns the endpoint's close budget if it supplies one,
// otherwise the configured policy
func (c *CommunicationObject) DefaultCloseTimeout() time.Duration {
	if d, ok := c.hooks.(CloseTimeoutDefaulter); ok {
		return d.CloseTimeoutDefault()
	}
	return c.Timeouts().CloseTimeout
}

// State returns the current lifecycle state
func (c *CommunicationObject) State() CommunicationState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// FaultCause returns the error that faulted the object, or nil
func (c *CommunicationObject) FaultCause() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.faultCause
}

// ClosedChan returns a channel that is closed once the object is Closed
func (c *CommunicationObject) ClosedChan() <-chan struct{} {
	return c.closedChan
}

// WaitClosed blocks until the object is Closed or ctx ends
func (c *CommunicationObject) WaitClosed(ctx context.Context) error {
	select {
	case <-c.closedChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddObserver registers fn to be told about every subsequent transition
func (c *CommunicationObject) AddObserver(fn StateObserver) {
	c.lock.Lock()
	c.observers = append(c.observers, fn)
	c.lock.Unlock()
}

// AbortOnContext begins background monitoring of ctx and aborts the object if
// ctx ends before the object is Closed. It does not block.
func (c *CommunicationObject) AbortOnContext(ctx context.Context) {
	go func() {
		select {
		case <-c.closedChan:
		case <-ctx.Done():
			c.DLogf("Context done (%s); aborting", ctx.Err())
			c.Abort()
		}
	}()
}

// EnsureOpened returns nil if the object is Opened. Otherwise it returns a
// fault error if the object is Faulted, or an invalid-state error. Message
// processing must call it before each unit of work.
func (c *CommunicationObject) EnsureOpened(op string) error {
	c.lock.Lock()
	st, cause := c.state, c.faultCause
	c.lock.Unlock()
	switch st {
	case StateOpened:
		return nil
	case StateFaulted:
		return &FaultError{Object: c.name, Op: op, Cause: cause}
	default:
		return &InvalidStateError{Object: c.name, Op: op, State: st}
	}
}

// OpenDefault opens with DefaultOpenTimeout
func (c *CommunicationObject) OpenDefault() error {
	return c.Open(c.DefaultOpenTimeout())
}

// Open moves a Created object to Opened by running the endpoint's acquisition
// hook within timeout. Opening an Opened object is a no-op. If acquisition
// fails or runs out of time the object is Faulted and the failure returned.
func (c *CommunicationObject) Open(timeout time.Duration) error {
	c.lock.Lock()
	switch c.state {
	case StateCreated:
	case StateOpened:
		c.lock.Unlock()
		return nil
	case StateFaulted:
		cause := c.faultCause
		c.lock.Unlock()
		return &FaultError{Object: c.name, Op: "Open", Cause: cause}
	default:
		st := c.state
		c.lock.Unlock()
		return &InvalidStateError{Object: c.name, Op: "Open", State: st}
	}
	if timeout <= 0 {
		c.lock.Unlock()
		return &TimeoutError{Object: c.name, Op: "Open", Timeout: timeout}
	}
	c.state = StateOpening
	c.lock.Unlock()

	defer close(c.openSettled)
	th := NewTimeoutHelper(timeout)

	c.DLogf("Opening")
	if err := c.fireTransition(StateOpening); err != nil {
		return c.failOpen(err)
	}

	hookErr := c.runHook("Open", th, c.invokeOpen)

	c.lock.Lock()
	if c.state != StateOpening {
		// Aborted or faulted while the hook was running
		st, cause := c.state, c.faultCause
		c.lock.Unlock()
		if st == StateFaulted {
			return &FaultError{Object: c.name, Op: "Open", Cause: cause}
		}
		if IsTimeout(hookErr) {
			return hookErr
		}
		if hookErr != nil {
			return &FaultError{Object: c.name, Op: "Open", Cause: hookErr}
		}
		return &InvalidStateError{Object: c.name, Op: "Open", State: st}
	}
	if hookErr != nil {
		c.lock.Unlock()
		return c.failOpen(hookErr)
	}
	c.state = StateOpened
	c.lock.Unlock()

	c.DLogf("Opened")
	return c.fireTransition(StateOpened)
}

// failOpen faults the object after a failed Open and returns what the caller
// of Open should see
func (c *CommunicationObject) failOpen(cause error) error {
	var result error
	if IsTimeout(cause) {
		result = cause
	} else {
		result = &FaultError{Object: c.name, Op: "Open", Cause: cause}
	}
	c.lock.Lock()
	fire := c.faultLocked(cause)
	c.lock.Unlock()
	if fire {
		if err := c.fireFaulted(cause); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}

// BeginOpen starts Open in the background and returns immediately. The
// outcome is collected with EndOpen.
func (c *CommunicationObject) BeginOpen(timeout time.Duration, callback AsyncCallback, state interface{}) *AsyncResult {
	r := NewAsyncResult(timeout, callback, state)
	r.owner = c
	r.kind = asyncKindOpen
	go func() {
		r.Complete(c.Open(timeout))
	}()
	return r
}

// EndOpen blocks until r completes and returns what Open returned. r must come
// from BeginOpen on this object and may only be ended once.
func (c *CommunicationObject) EndOpen(r *AsyncResult) error {
	if err := r.consume("EndOpen", c, asyncKindOpen); err != nil {
		return err
	}
	return r.Wait()
}

// CloseDefault closes with DefaultCloseTimeout
func (c *CommunicationObject) CloseDefault() error {
	return c.Close(c.DefaultCloseTimeout())
}

// Close gracefully releases the object's resource and moves it to Closed.
// A Close while Opening waits for the open to settle first. Closing a Created
// or Faulted object aborts it. If the budget runs out the object is forced to
// Closed and a timeout error returned.
func (c *CommunicationObject) Close(timeout time.Duration) error {
	th := NewTimeoutHelper(timeout)
	for {
		c.lock.Lock()
		switch c.state {
		case StateClosed:
			c.lock.Unlock()
			return nil

		case StateCreated, StateFaulted:
			c.lock.Unlock()
			c.Abort()
			return nil

		case StateOpening:
			settled := c.openSettled
			c.lock.Unlock()
			if !waitChan(settled, th.RemainingTime()) {
				c.Abort()
				return &TimeoutError{Object: c.name, Op: "Close", Timeout: timeout}
			}
			continue

		case StateClosing:
			closed := c.closedChan
			c.lock.Unlock()
			if !waitChan(closed, th.RemainingTime()) {
				c.Abort()
				return &TimeoutError{Object: c.name, Op: "Close", Timeout: timeout}
			}
			return nil
		}

		c.state = StateClosing
		c.lock.Unlock()
		return c.closeOpened(th)
	}
}

// closeOpened runs the graceful close path after the object has moved from
// Opened to Closing
func (c *CommunicationObject) closeOpened(th TimeoutHelper) error {
	c.DLogf("Closing")
	if err := c.fireTransition(StateClosing); err != nil {
		c.Abort()
		return err
	}
	if th.Expired() {
		c.Abort()
		return &TimeoutError{Object: c.name, Op: "Close", Timeout: th.OriginalTimeout()}
	}
	if !c.released.CompareAndSwap(false, true) {
		// An Abort got to the release first
		if !waitChan(c.closedChan, th.RemainingTime()) {
			return &TimeoutError{Object: c.name, Op: "Close", Timeout: th.OriginalTimeout()}
		}
		return nil
	}

	err := c.runHook("Close", th, c.invokeClose)
	if err != nil && !IsTimeout(err) {
		err = &FaultError{Object: c.name, Op: "Close", Cause: err}
	}
	if err != nil {
		c.WLogf("Close did not complete cleanly: %s", err)
	}
	return errors.Join(err, c.finishClose())
}

// BeginClose starts Close in the background and returns immediately. The
// outcome is collected with EndClose.
func (c *CommunicationObject) BeginClose(timeout time.Duration, callback AsyncCallback, state interface{}) *AsyncResult {
	r := NewAsyncResult(timeout, callback, state)
	r.owner = c
	r.kind = asyncKindClose
	go func() {
		r.Complete(c.Close(timeout))
	}()
	return r
}

// EndClose blocks until r completes and returns what Close returned. r must
// come from BeginClose on this object and may only be ended once.
func (c *CommunicationObject) EndClose(r *AsyncResult) error {
	if err := r.consume("EndClose", c, asyncKindClose); err != nil {
		return err
	}
	return r.Wait()
}

// Abort forcibly moves the object to Closed from any state. It never fails,
// and waits at most the abort budget for the release hook. Only the first
// caller to reach the release runs OnAbort; everyone else waits (bounded) for
// the object to become Closed. A Faulted object stays Faulted until it is
// Closed.
func (c *CommunicationObject) Abort() {
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return
	}
	if c.state != StateClosing {
		c.DLogf("Aborting from %s", c.state)
		if c.state != StateFaulted {
			c.state = StateClosing
		}
	}
	closed := c.closedChan
	bound := c.timeouts.AbortTimeout
	c.lock.Unlock()

	if c.released.CompareAndSwap(false, true) {
		c.runAbortHook(bound)
	} else if waitChan(closed, bound) {
		return
	} else {
		c.WLogf("Release did not finish within %s; forcing Closed", bound)
	}

	defer func() {
		if r := recover(); r != nil {
			c.ELogf("OnClosed panicked during Abort: %v", r)
		}
	}()
	if err := c.finishClose(); err != nil {
		c.ELogf("OnClosed failed during Abort: %s", err)
	}
}

func (c *CommunicationObject) runAbortHook(bound time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.ELogf("OnAbort panicked: %v", r)
			}
		}()
		c.hooks.OnAbort()
	}()
	if !waitChan(done, bound) {
		c.WLogf("OnAbort did not return within %s; abandoning it", bound)
	}
}

// Fault moves any object that is not yet Closed or Faulted to Faulted with
// the given cause. Later Open calls fail fast with the cause attached. A close
// or abort already in flight still finishes and moves the object on to Closed.
// The returned error is whatever the OnFaulted hook returned.
func (c *CommunicationObject) Fault(cause error) error {
	if cause == nil {
		cause = errors.New("unspecified fault")
	}
	c.lock.Lock()
	fire := c.faultLocked(cause)
	c.lock.Unlock()
	if !fire {
		return nil
	}
	return c.fireFaulted(cause)
}

// Faultf is Fault with a formatted cause
func (c *CommunicationObject) Faultf(f string, args ...interface{}) error {
	return c.Fault(fmt.Errorf(f, args...))
}

// faultLocked records a transition to Faulted. Returns true if the caller must
// fire the Faulted hook. c.lock must be held.
func (c *CommunicationObject) faultLocked(cause error) bool {
	switch c.state {
	case StateCreated, StateOpening, StateOpened, StateClosing:
	default:
		return false
	}
	c.state = StateFaulted
	c.faultCause = cause
	if c.faultedFired {
		return false
	}
	c.faultedFired = true
	return true
}

func (c *CommunicationObject) fireFaulted(cause error) error {
	c.WLogf("Faulted: %s", cause)
	return c.fireTransition(StateFaulted)
}

// finishClose moves the object to Closed and fires OnClosed, exactly once
// across every path
func (c *CommunicationObject) finishClose() error {
	c.lock.Lock()
	if c.closedFired {
		c.lock.Unlock()
		return nil
	}
	c.closedFired = true
	c.state = StateClosed
	c.lock.Unlock()

	defer close(c.closedChan)
	c.DLogf("Closed")
	return c.fireTransition(StateClosed)
}

// fireTransition runs the observer hook for state, then the registered observers
func (c *CommunicationObject) fireTransition(state CommunicationState) error {
	var err error
	switch state {
	case StateOpening:
		if o, ok := c.hooks.(OpeningObserver); ok {
			err = o.OnOpening()
		}
	case StateOpened:
		if o, ok := c.hooks.(OpenedObserver); ok {
			err = o.OnOpened()
		}
	case StateClosing:
		if o, ok := c.hooks.(ClosingObserver); ok {
			err = o.OnClosing()
		}
	case StateClosed:
		if o, ok := c.hooks.(ClosedObserver); ok {
			err = o.OnClosed()
		}
	case StateFaulted:
		if o, ok := c.hooks.(FaultedObserver); ok {
			err = o.OnFaulted()
		}
	}

	c.lock.Lock()
	observers := c.observers
	c.lock.Unlock()
	for _, fn := range observers {
		fn(state)
	}
	return err
}

func (c *CommunicationObject) invokeOpen(ctx context.Context, timeout time.Duration) error {
	if a, ok := c.hooks.(AsyncOpener); ok {
		return a.OnEndOpen(a.OnBeginOpen(ctx, timeout))
	}
	return c.hooks.OnOpen(ctx, timeout)
}

func (c *CommunicationObject) invokeClose(ctx context.Context, timeout time.Duration) error {
	if a, ok := c.hooks.(AsyncCloser); ok {
		return a.OnEndClose(a.OnBeginClose(ctx, timeout))
	}
	return c.hooks.OnClose(ctx, timeout)
}

// runHook runs fn in its own goroutine and waits for it for what remains of
// th. On timeout fn is abandoned (its context is cancelled) and a timeout
// error returned. A panic in fn is returned as an error.
func (c *CommunicationObject) runHook(
	op string,
	th TimeoutHelper,
	fn func(ctx context.Context, timeout time.Duration) error,
) error {
	ctx, cancel := th.Context(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- c.Errorf("%s hook panicked: %v", op, r)
			}
		}()
		done <- fn(ctx, th.RemainingTime())
	}()

	timer := time.NewTimer(th.RemainingTime())
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		c.WLogf("%s hook did not complete within %s", op, th.OriginalTimeout())
		return &TimeoutError{Object: c.name, Op: op, Timeout: th.OriginalTimeout()}
	}
}
