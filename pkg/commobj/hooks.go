package commobj

import (
	"context"
	"time"
)

// Hooks is the set of operations a concrete endpoint must supply. A
// CommunicationObject calls them at fixed points and never holds its lock
// while doing so.
type Hooks interface {
	// OnOpen acquires the endpoint's resource. It runs once, in its own
	// goroutine, while the object is Opening. ctx expires with the remaining
	// budget; timeout is that same remaining budget.
	OnOpen(ctx context.Context, timeout time.Duration) error

	// OnClose gracefully releases the resource. It runs at most once, and
	// never if OnAbort has run.
	OnClose(ctx context.Context, timeout time.Duration) error

	// OnAbort forcibly releases the resource. It must not block for long, must
	// tolerate a resource that was never (or is still being) acquired, and runs
	// at most once, never if OnClose has run.
	OnAbort()
}

// OpenTimeoutDefaulter overrides the open budget used by OpenDefault.
// The method name differs from CommunicationObject.DefaultOpenTimeout so an
// endpoint embedding the object does not satisfy it by accident.
type OpenTimeoutDefaulter interface {
	OpenTimeoutDefault() time.Duration
}

// CloseTimeoutDefaulter overrides the close budget used by CloseDefault
type CloseTimeoutDefaulter interface {
	CloseTimeoutDefault() time.Duration
}

// AsyncOpener is implemented by endpoints whose acquisition is naturally
// asynchronous. When present it is used instead of OnOpen.
type AsyncOpener interface {
	OnBeginOpen(ctx context.Context, timeout time.Duration) *AsyncResult
	OnEndOpen(r *AsyncResult) error
}

// AsyncCloser is implemented by endpoints whose release is naturally
// asynchronous. When present it is used instead of OnClose.
type AsyncCloser interface {
	OnBeginClose(ctx context.Context, timeout time.Duration) *AsyncResult
	OnEndClose(r *AsyncResult) error
}

// OpeningObserver is notified just after the object enters Opening
type OpeningObserver interface {
	OnOpening() error
}

// OpenedObserver is notified just after the object enters Opened
type OpenedObserver interface {
	OnOpened() error
}

// ClosingObserver is notified just after a graceful Close enters Closing.
// Abort does not notify it.
type ClosingObserver interface {
	OnClosing() error
}

// ClosedObserver is notified exactly once, when the object reaches Closed
type ClosedObserver interface {
	OnClosed() error
}

// FaultedObserver is notified exactly once, when the object enters Faulted
type FaultedObserver interface {
	OnFaulted() error
}

// NopHooks supplies the default behavior of every hook: acquisition and
// release do nothing and observers ignore the notification. Endpoints embed it
// and override what they need.
type NopHooks struct{}

// OnOpen does nothing
func (NopHooks) OnOpen(ctx context.Context, timeout time.Duration) error { return nil }

// OnClose does nothing
func (NopHooks) OnClose(ctx context.Context, timeout time.Duration) error { return nil }

// OnAbort does nothing
func (NopHooks) OnAbort() {}

// OnOpening does nothing
func (NopHooks) OnOpening() error { return nil }

// OnOpened does nothing
func (NopHooks) OnOpened() error { return nil }

// OnClosing does nothing
func (NopHooks) OnClosing() error { return nil }

// OnClosed does nothing
func (NopHooks) OnClosed() error { return nil }

// OnFaulted does nothing
func (NopHooks) OnFaulted() error { return nil }

// FuncHooks routes every hook, including the asynchronous variants and the
// default timeouts, through a replaceable func field. NewFuncHooks fills each
// field with the matching Default method, so a caller can replace one field
// and still call the default from inside the replacement.
type FuncHooks struct {
	DefaultOpenTimeoutFunc  func() time.Duration
	DefaultCloseTimeoutFunc func() time.Duration

	OnOpenFunc  func(ctx context.Context, timeout time.Duration) error
	OnCloseFunc func(ctx context.Context, timeout time.Duration) error
	OnAbortFunc func()

	OnBeginOpenFunc  func(ctx context.Context, timeout time.Duration) *AsyncResult
	OnEndOpenFunc    func(r *AsyncResult) error
	OnBeginCloseFunc func(ctx context.Context, timeout time.Duration) *AsyncResult
	OnEndCloseFunc   func(r *AsyncResult) error

	OnOpeningFunc func() error
	OnOpenedFunc  func() error
	OnClosingFunc func() error
	OnClosedFunc  func() error
	OnFaultedFunc func() error
}

// NewFuncHooks returns a FuncHooks with every field set to its default
func NewFuncHooks() *FuncHooks {
	h := &FuncHooks{}
	h.DefaultOpenTimeoutFunc = h.DefaultDefaultOpenTimeout
	h.DefaultCloseTimeoutFunc = h.DefaultDefaultCloseTimeout
	h.OnOpenFunc = h.DefaultOnOpen
	h.OnCloseFunc = h.DefaultOnClose
	h.OnAbortFunc = h.DefaultOnAbort
	h.OnBeginOpenFunc = h.DefaultOnBeginOpen
	h.OnEndOpenFunc = h.DefaultOnEndOpen
	h.OnBeginCloseFunc = h.DefaultOnBeginClose
	h.OnEndCloseFunc = h.DefaultOnEndClose
	h.OnOpeningFunc = h.DefaultOnOpening
	h.OnOpenedFunc = h.DefaultOnOpened
	h.OnClosingFunc = h.DefaultOnClosing
	h.OnClosedFunc = h.DefaultOnClosed
	h.OnFaultedFunc = h.DefaultOnFaulted
	return h
}

// DefaultDefaultOpenTimeout returns DefaultTimeout
func (h *FuncHooks) DefaultDefaultOpenTimeout() time.Duration { return DefaultTimeout }

// DefaultDefaultCloseTimeout returns DefaultTimeout
func (h *FuncHooks) DefaultDefaultCloseTimeout() time.Duration { return DefaultTimeout }

// DefaultOnOpen does nothing
func (h *FuncHooks) DefaultOnOpen(ctx context.Context, timeout time.Duration) error { return nil }

// DefaultOnClose does nothing
func (h *FuncHooks) DefaultOnClose(ctx context.Context, timeout time.Duration) error { return nil }

// DefaultOnAbort does nothing
func (h *FuncHooks) DefaultOnAbort() {}

// DefaultOnBeginOpen runs OnOpenFunc synchronously and returns an already
// completed result carrying its outcome
func (h *FuncHooks) DefaultOnBeginOpen(ctx context.Context, timeout time.Duration) *AsyncResult {
	return NewCompletedAsyncResult(h.OnOpenFunc(ctx, timeout), nil, nil)
}

// DefaultOnEndOpen waits for r and returns its outcome
func (h *FuncHooks) DefaultOnEndOpen(r *AsyncResult) error { return r.Wait() }

// DefaultOnBeginClose runs OnCloseFunc synchronously and returns an already
// completed result carrying its outcome
func (h *FuncHooks) DefaultOnBeginClose(ctx context.Context, timeout time.Duration) *AsyncResult {
	return NewCompletedAsyncResult(h.OnCloseFunc(ctx, timeout), nil, nil)
}

// DefaultOnEndClose waits for r and returns its outcome
func (h *FuncHooks) DefaultOnEndClose(r *AsyncResult) error { return r.Wait() }

// DefaultOnOpening does nothing
func (h *FuncHooks) DefaultOnOpening() error { return nil }

// DefaultOnOpened does nothing
func (h *FuncHooks) DefaultOnOpened() error { return nil }

// DefaultOnClosing does nothing
func (h *FuncHooks) DefaultOnClosing() error { return nil }

// DefaultOnClosed does nothing
func (h *FuncHooks) DefaultOnClosed() error { return nil }

// DefaultOnFaulted does nothing
func (h *FuncHooks) DefaultOnFaulted() error { return nil }

// OpenTimeoutDefault implements OpenTimeoutDefaulter
func (h *FuncHooks) OpenTimeoutDefault() time.Duration { return h.DefaultOpenTimeoutFunc() }

// CloseTimeoutDefault implements CloseTimeoutDefaulter
func (h *FuncHooks) CloseTimeoutDefault() time.Duration { return h.DefaultCloseTimeoutFunc() }

// OnOpen implements Hooks. It is only reached through OnBeginOpen, because
// FuncHooks also implements AsyncOpener.
func (h *FuncHooks) OnOpen(ctx context.Context, timeout time.Duration) error {
	return h.OnOpenFunc(ctx, timeout)
}

// OnClose implements Hooks. Like OnOpen it is reached through OnBeginClose.
func (h *FuncHooks) OnClose(ctx context.Context, timeout time.Duration) error {
	return h.OnCloseFunc(ctx, timeout)
}

// OnAbort implements Hooks
func (h *FuncHooks) OnAbort() { h.OnAbortFunc() }

// OnBeginOpen implements AsyncOpener
func (h *FuncHooks) OnBeginOpen(ctx context.Context, timeout time.Duration) *AsyncResult {
	return h.OnBeginOpenFunc(ctx, timeout)
}

// OnEndOpen implements AsyncOpener
func (h *FuncHooks) OnEndOpen(r *AsyncResult) error { return h.OnEndOpenFunc(r) }

// OnBeginClose implements AsyncCloser
func (h *FuncHooks) OnBeginClose(ctx context.Context, timeout time.Duration) *AsyncResult {
	return h.OnBeginCloseFunc(ctx, timeout)
}

// OnEndClose implements AsyncCloser
func (h *FuncHooks) OnEndClose(r *AsyncResult) error { return h.OnEndCloseFunc(r) }

// OnOpening implements OpeningObserver
func (h *FuncHooks) OnOpening() error { return h.OnOpeningFunc() }

// OnOpened implements OpenedObserver
func (h *FuncHooks) OnOpened() error { return h.OnOpenedFunc() }

// OnClosing implements ClosingObserver
func (h *FuncHooks) OnClosing() error { return h.OnClosingFunc() }

// OnClosed implements ClosedObserver
func (h *FuncHooks) OnClosed() error { return h.OnClosedFunc() }

// OnFaulted implements FaultedObserver
func (h *FuncHooks) OnFaulted() error { return h.OnFaultedFunc() }
