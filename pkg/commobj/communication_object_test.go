package commobj

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sammck-go/commobj/pkg/logger"
)

// hookCounts records how often each hook ran and in what order
type hookCounts struct {
	lock  sync.Mutex
	trace []string

	onOpen, onClose, onAbort                            atomic.Int32
	opening, opened, closing, closed, faulted, released atomic.Int32
}

func (hc *hookCounts) record(name string) {
	hc.lock.Lock()
	hc.trace = append(hc.trace, name)
	hc.lock.Unlock()
}

func (hc *hookCounts) traceString() string {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	return strings.Join(hc.trace, ",")
}

func testLogger(t *testing.T) logger.Logger {
	if testing.Verbose() {
		return logger.NewLogger(t.Name(), logger.LogLevelDebug)
	}
	return logger.NilLogger()
}

// newTestObject creates an object driven by FuncHooks whose defaults count
// every invocation
func newTestObject(t *testing.T) (*CommunicationObject, *FuncHooks, *hookCounts) {
	hc := &hookCounts{}
	h := NewFuncHooks()
	h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
		hc.onOpen.Add(1)
		hc.record("OnOpen")
		return nil
	}
	h.OnCloseFunc = func(ctx context.Context, timeout time.Duration) error {
		hc.onClose.Add(1)
		hc.released.Add(1)
		hc.record("OnClose")
		return nil
	}
	h.OnAbortFunc = func() {
		hc.onAbort.Add(1)
		hc.released.Add(1)
		hc.record("OnAbort")
	}
	h.OnOpeningFunc = func() error { hc.opening.Add(1); hc.record("Opening"); return nil }
	h.OnOpenedFunc = func() error { hc.opened.Add(1); hc.record("Opened"); return nil }
	h.OnClosingFunc = func() error { hc.closing.Add(1); hc.record("Closing"); return nil }
	h.OnClosedFunc = func() error { hc.closed.Add(1); hc.record("Closed"); return nil }
	h.OnFaultedFunc = func() error { hc.faulted.Add(1); hc.record("Faulted"); return nil }

	c := NewCommunicationObject(testLogger(t), h, "TestObject")
	c.SetTimeouts(TimeoutPolicy{AbortTimeout: time.Second})
	return c, h, hc
}

func TestOpenCloseHookOrder(t *testing.T) {
	c, _, hc := newTestObject(t)

	var observed []CommunicationState
	var olock sync.Mutex
	c.AddObserver(func(s CommunicationState) {
		olock.Lock()
		observed = append(observed, s)
		olock.Unlock()
	})

	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}
	if c.State() != StateOpened {
		t.Fatalf("state after Open is %s", c.State())
	}
	if err := c.Close(time.Second); err != nil {
		t.Fatalf("Close returned error: %s", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state after Close is %s", c.State())
	}

	expected := "Opening,OnOpen,Opened,Closing,OnClose,Closed"
	if actual := hc.traceString(); actual != expected {
		t.Errorf("hook order %q; expected %q", actual, expected)
	}
	if len(observed) != 4 || observed[0] != StateOpening || observed[3] != StateClosed {
		t.Errorf("unexpected observer notifications: %v", observed)
	}
	select {
	case <-c.ClosedChan():
	default:
		t.Errorf("ClosedChan not closed after Close")
	}
}

func TestOpenTwiceAcquiresOnce(t *testing.T) {
	c, _, hc := newTestObject(t)
	for i := 0; i < 2; i++ {
		if err := c.Open(time.Second); err != nil {
			t.Fatalf("Open #%d returned error: %s", i, err)
		}
	}
	if n := hc.onOpen.Load(); n != 1 {
		t.Errorf("OnOpen ran %d times", n)
	}
	if n := hc.opened.Load(); n != 1 {
		t.Errorf("OnOpened ran %d times", n)
	}
}

func TestCloseNeverOpened(t *testing.T) {
	c, _, hc := newTestObject(t)
	if err := c.Close(time.Second); err != nil {
		t.Fatalf("Close on Created returned error: %s", err)
	}
	if err := c.Close(time.Second); err != nil {
		t.Fatalf("second Close returned error: %s", err)
	}
	c.Abort()
	if hc.onOpen.Load() != 0 || hc.onClose.Load() != 0 {
		t.Errorf("acquisition or graceful release ran on a never-opened object")
	}
	if n := hc.closed.Load(); n != 1 {
		t.Errorf("OnClosed ran %d times", n)
	}
	if c.State() != StateClosed {
		t.Errorf("state is %s", c.State())
	}
	if err := c.Open(time.Second); !IsInvalidState(err) {
		t.Errorf("Open after Close returned %v; expected invalid-state", err)
	}
}

func TestConcurrentAbortIsIdempotent(t *testing.T) {
	c, h, hc := newTestObject(t)
	gate := make(chan struct{})
	h.OnAbortFunc = func() {
		<-gate
		hc.onAbort.Add(1)
	}
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}

	const n = 16
	var wg sync.WaitGroup
	states := make([]CommunicationState, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Abort()
			states[i] = c.State()
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if k := hc.onAbort.Load(); k != 1 {
		t.Errorf("OnAbort ran %d times", k)
	}
	if k := hc.closed.Load(); k != 1 {
		t.Errorf("OnClosed ran %d times", k)
	}
	for i, s := range states {
		if s != StateClosed {
			t.Errorf("caller %d saw state %s after Abort", i, s)
		}
	}
}

func TestBeginOpenDoesNotBlock(t *testing.T) {
	c, h, hc := newTestObject(t)
	release := make(chan struct{})
	h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
		<-release
		hc.onOpen.Add(1)
		return nil
	}

	var callbacks atomic.Int32
	called := make(chan struct{})
	start := time.Now()
	r := c.BeginOpen(5*time.Second, func(r *AsyncResult) {
		callbacks.Add(1)
		close(called)
	}, "cookie")
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("BeginOpen blocked for %s", time.Since(start))
	}
	if r.IsCompleted() {
		t.Errorf("result completed before acquisition finished")
	}
	if r.AsyncState() != "cookie" {
		t.Errorf("AsyncState() = %v", r.AsyncState())
	}
	close(release)
	if err := c.EndOpen(r); err != nil {
		t.Fatalf("EndOpen returned error: %s", err)
	}
	if c.State() != StateOpened || hc.onOpen.Load() != 1 {
		t.Errorf("after EndOpen state=%s onOpen=%d", c.State(), hc.onOpen.Load())
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("callback never ran")
	}
	if callbacks.Load() != 1 {
		t.Errorf("callback ran %d times", callbacks.Load())
	}
}

func TestEndOpenMatchesSyncOutcome(t *testing.T) {
	cause := errors.New("no route")
	failing := func(t *testing.T) *CommunicationObject {
		c, h, _ := newTestObject(t)
		h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error { return cause }
		return c
	}

	syncErr := failing(t).Open(time.Second)
	c := failing(t)
	asyncErr := c.EndOpen(c.BeginOpen(time.Second, nil, nil))

	if !IsFault(syncErr) || !IsFault(asyncErr) {
		t.Fatalf("expected fault errors, got %v and %v", syncErr, asyncErr)
	}
	if !errors.Is(syncErr, cause) || !errors.Is(asyncErr, cause) {
		t.Errorf("cause not preserved: %v / %v", syncErr, asyncErr)
	}
	if c.State() != StateFaulted {
		t.Errorf("state after failed async open is %s", c.State())
	}
}

func TestDoubleEndOpenIsUsageError(t *testing.T) {
	c, _, hc := newTestObject(t)
	r := c.BeginOpen(time.Second, nil, nil)
	if err := c.EndOpen(r); err != nil {
		t.Fatalf("EndOpen returned error: %s", err)
	}
	if err := c.EndOpen(r); !IsUsage(err) {
		t.Errorf("second EndOpen returned %v; expected usage error", err)
	}
	if n := hc.onOpen.Load(); n != 1 {
		t.Errorf("OnOpen ran %d times", n)
	}

	other, _, _ := newTestObject(t)
	if err := other.EndOpen(other.BeginClose(time.Second, nil, nil)); !IsUsage(err) {
		t.Errorf("EndOpen on a close handle returned %v", err)
	}
	if err := other.EndClose(c.BeginClose(time.Second, nil, nil)); !IsUsage(err) {
		t.Errorf("EndClose on a foreign handle returned %v", err)
	}
	if err := c.EndOpen(nil); !IsUsage(err) {
		t.Errorf("EndOpen(nil) returned %v", err)
	}
}

func TestOpenTimeoutFaults(t *testing.T) {
	c, h, hc := newTestObject(t)
	h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
		select {} // never completes
	}

	start := time.Now()
	err := c.Open(50 * time.Millisecond)
	elapsed := time.Since(start)
	if !IsTimeout(err) {
		t.Fatalf("Open returned %v; expected timeout", err)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("Open took %s to time out", elapsed)
	}
	if c.State() != StateFaulted {
		t.Errorf("state after timeout is %s", c.State())
	}
	if hc.faulted.Load() != 1 {
		t.Errorf("OnFaulted ran %d times", hc.faulted.Load())
	}
	if err := c.Open(time.Second); !IsFault(err) {
		t.Errorf("reopen returned %v; expected fault", err)
	}
}

func TestOpenNonPositiveTimeout(t *testing.T) {
	c, _, hc := newTestObject(t)
	if err := c.Open(0); !IsTimeout(err) {
		t.Errorf("Open(0) returned %v", err)
	}
	if err := c.Open(-time.Second); !IsTimeout(err) {
		t.Errorf("Open(-1s) returned %v", err)
	}
	if hc.onOpen.Load() != 0 || hc.opening.Load() != 0 {
		t.Errorf("acquisition attempted with no budget")
	}
}

func TestFaultThenOpen(t *testing.T) {
	c, _, hc := newTestObject(t)
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}
	if err := c.Fault(errors.New("x")); err != nil {
		t.Fatalf("Fault returned error: %s", err)
	}
	c.Fault(errors.New("y"))

	err := c.Open(time.Second)
	if !IsFault(err) {
		t.Fatalf("Open after Fault returned %v", err)
	}
	if !strings.Contains(err.Error(), "x") {
		t.Errorf("fault error %q does not reference its cause", err)
	}
	if hc.onOpen.Load() != 1 {
		t.Errorf("OnOpen ran again after Fault")
	}
	if hc.faulted.Load() != 1 {
		t.Errorf("OnFaulted ran %d times", hc.faulted.Load())
	}
	if err := c.EnsureOpened("Send"); !IsFault(err) {
		t.Errorf("EnsureOpened on a faulted object returned %v", err)
	}

	// Close on Faulted degrades to Abort
	if err := c.Close(time.Second); err != nil {
		t.Errorf("Close on Faulted returned %v", err)
	}
	if hc.onAbort.Load() != 1 || hc.onClose.Load() != 0 {
		t.Errorf("Close on Faulted: onAbort=%d onClose=%d", hc.onAbort.Load(), hc.onClose.Load())
	}
	if hc.faulted.Load() != 1 || c.State() != StateClosed {
		t.Errorf("after Close: faulted=%d state=%s", hc.faulted.Load(), c.State())
	}
}

func TestCloseDuringOpeningWaitsForOpen(t *testing.T) {
	c, h, hc := newTestObject(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
		close(entered)
		<-release
		hc.onOpen.Add(1)
		return nil
	}

	openDone := make(chan error, 1)
	go func() { openDone <- c.Open(time.Second) }()
	<-entered

	closeDone := make(chan error, 1)
	go func() { closeDone <- c.Close(time.Second) }()

	select {
	case <-closeDone:
		t.Fatalf("Close returned before the open settled")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	if err := <-openDone; err != nil {
		t.Errorf("Open returned %v", err)
	}
	if err := <-closeDone; err != nil {
		t.Errorf("Close returned %v", err)
	}
	if hc.onClose.Load() != 1 || hc.onAbort.Load() != 0 {
		t.Errorf("onClose=%d onAbort=%d", hc.onClose.Load(), hc.onAbort.Load())
	}
}

func TestCloseTimeoutForcesClosed(t *testing.T) {
	c, h, hc := newTestObject(t)
	h.OnCloseFunc = func(ctx context.Context, timeout time.Duration) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return nil
	}
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}
	err := c.Close(40 * time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("Close returned %v; expected timeout", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state after close timeout is %s", c.State())
	}
	if hc.onAbort.Load() != 0 {
		t.Errorf("OnAbort ran after OnClose had claimed the release")
	}
	if hc.closed.Load() != 1 {
		t.Errorf("OnClosed ran %d times", hc.closed.Load())
	}
}

func TestAbortSurvivesPanickingHook(t *testing.T) {
	c, h, hc := newTestObject(t)
	h.OnAbortFunc = func() { panic("kaboom") }
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}
	c.Abort()
	if c.State() != StateClosed || hc.closed.Load() != 1 {
		t.Errorf("state=%s closed=%d", c.State(), hc.closed.Load())
	}
}

func TestAbortIsBounded(t *testing.T) {
	c, h, _ := newTestObject(t)
	c.SetTimeouts(TimeoutPolicy{AbortTimeout: 30 * time.Millisecond})
	h.OnAbortFunc = func() { select {} }
	start := time.Now()
	c.Abort()
	if time.Since(start) > time.Second {
		t.Errorf("Abort blocked for %s", time.Since(start))
	}
	if c.State() != StateClosed {
		t.Errorf("state is %s", c.State())
	}
}

func TestObserverErrorsPropagate(t *testing.T) {
	c, h, _ := newTestObject(t)
	oops := errors.New("observer failed")
	h.OnOpenedFunc = func() error { return oops }
	if err := c.Open(time.Second); !errors.Is(err, oops) {
		t.Errorf("Open returned %v", err)
	}
	if c.State() != StateOpened {
		t.Errorf("observer error changed state to %s", c.State())
	}

	h.OnClosedFunc = func() error { return oops }
	if err := c.Close(time.Second); !errors.Is(err, oops) {
		t.Errorf("Close returned %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state is %s", c.State())
	}
}

func TestAcquisitionFailureFaults(t *testing.T) {
	c, h, hc := newTestObject(t)
	h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
		panic("acquire exploded")
	}
	err := c.Open(time.Second)
	if !IsFault(err) {
		t.Fatalf("Open returned %v", err)
	}
	if c.State() != StateFaulted || hc.faulted.Load() != 1 {
		t.Errorf("state=%s faulted=%d", c.State(), hc.faulted.Load())
	}
	if c.FaultCause() == nil {
		t.Errorf("no fault cause recorded")
	}
}

func TestAsyncHookVariant(t *testing.T) {
	c, h, _ := newTestObject(t)
	var begun atomic.Int32
	h.OnBeginOpenFunc = func(ctx context.Context, timeout time.Duration) *AsyncResult {
		begun.Add(1)
		r := NewAsyncResult(timeout, nil, nil)
		go func() {
			time.Sleep(10 * time.Millisecond)
			r.Complete(nil)
		}()
		return r
	}
	if err := c.EndOpen(c.BeginOpen(time.Second, nil, nil)); err != nil {
		t.Fatalf("open through async hooks failed: %s", err)
	}
	if begun.Load() != 1 {
		t.Errorf("OnBeginOpen ran %d times", begun.Load())
	}
	if err := c.EndClose(c.BeginClose(time.Second, nil, nil)); err != nil {
		t.Errorf("EndClose returned %v", err)
	}
}

func TestDefaultTimeouts(t *testing.T) {
	c, h, _ := newTestObject(t)
	if c.DefaultOpenTimeout() != DefaultTimeout || c.DefaultCloseTimeout() != DefaultTimeout {
		t.Errorf("unexpected defaults %s/%s", c.DefaultOpenTimeout(), c.DefaultCloseTimeout())
	}
	h.DefaultOpenTimeoutFunc = func() time.Duration { return time.Minute }
	if c.DefaultOpenTimeout() != time.Minute {
		t.Errorf("hook override ignored")
	}

	plain := NewCommunicationObject(testLogger(t), NopHooks{}, "Plain")
	plain.SetTimeouts(TimeoutPolicy{OpenTimeout: 2 * time.Second})
	if plain.DefaultOpenTimeout() != 2*time.Second || plain.DefaultCloseTimeout() != DefaultTimeout {
		t.Errorf("policy not applied: %+v", plain.Timeouts())
	}
	if err := plain.OpenDefault(); err != nil {
		t.Errorf("OpenDefault returned %v", err)
	}
	if err := plain.CloseDefault(); err != nil {
		t.Errorf("CloseDefault returned %v", err)
	}
}

func TestAbortOnContext(t *testing.T) {
	c, _, hc := newTestObject(t)
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.AbortOnContext(ctx)
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	if err := c.WaitClosed(wctx); err != nil {
		t.Fatalf("object not closed after context cancel: %s", err)
	}
	if hc.onAbort.Load() != 1 {
		t.Errorf("OnAbort ran %d times", hc.onAbort.Load())
	}
}

// TestConcurrentLifecycleReleasesOnce hammers one object with concurrent
// Open, Close and Abort calls and checks that exactly one release hook ran
func TestConcurrentLifecycleReleasesOnce(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		c, h, hc := newTestObject(t)
		h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
			time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)
			hc.onOpen.Add(1)
			return nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				switch i % 3 {
				case 0:
					c.Open(time.Second)
				case 1:
					c.Close(time.Second)
				default:
					c.Abort()
				}
			}(i)
		}
		wg.Wait()
		c.Abort()

		if c.State() != StateClosed {
			t.Fatalf("iteration %d: final state %s", iter, c.State())
		}
		if n := hc.released.Load(); n != 1 {
			t.Fatalf("iteration %d: release hooks ran %d times", iter, n)
		}
		if n := hc.closed.Load(); n != 1 {
			t.Fatalf("iteration %d: OnClosed ran %d times", iter, n)
		}
		if n := hc.onOpen.Load(); n > 1 {
			t.Fatalf("iteration %d: OnOpen ran %d times", iter, n)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateFaulted.String() != "Faulted" || CommunicationState(99).String() != "Unknown" {
		t.Errorf("unexpected state names")
	}
	if !StateClosed.IsTerminal() || StateOpened.IsTerminal() {
		t.Errorf("IsTerminal wrong")
	}
}

// awaitState polls until c reaches want
func awaitState(t *testing.T, c *CommunicationObject, want CommunicationState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state is %s; expected %s", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFaultWhileCreated(t *testing.T) {
	c, _, hc := newTestObject(t)
	c.Fault(errors.New("x"))
	if c.State() != StateFaulted || hc.faulted.Load() != 1 {
		t.Fatalf("state=%s faulted=%d", c.State(), hc.faulted.Load())
	}
	if err := c.Open(time.Second); !IsFault(err) {
		t.Errorf("Open after Fault returned %v", err)
	}
	if err := c.Close(time.Second); err != nil {
		t.Errorf("Close returned %v", err)
	}
	if c.State() != StateClosed || hc.closed.Load() != 1 || hc.faulted.Load() != 1 {
		t.Errorf("state=%s closed=%d faulted=%d", c.State(), hc.closed.Load(), hc.faulted.Load())
	}
	if hc.onOpen.Load() != 0 {
		t.Errorf("OnOpen ran on a faulted object")
	}
}

func TestFaultWhileOpening(t *testing.T) {
	c, h, hc := newTestObject(t)
	release := make(chan struct{})
	h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
		<-release
		return nil
	}
	openErr := make(chan error, 1)
	go func() { openErr <- c.Open(time.Second) }()
	awaitState(t, c, StateOpening)

	c.Fault(errors.New("x"))
	if c.State() != StateFaulted || hc.faulted.Load() != 1 {
		t.Fatalf("state=%s faulted=%d", c.State(), hc.faulted.Load())
	}
	close(release)
	if err := <-openErr; !IsFault(err) || !strings.Contains(err.Error(), "x") {
		t.Errorf("Open returned %v", err)
	}
	if c.State() != StateFaulted || hc.opened.Load() != 0 {
		t.Errorf("state=%s opened=%d", c.State(), hc.opened.Load())
	}
	c.Abort()
	if c.State() != StateClosed || hc.faulted.Load() != 1 {
		t.Errorf("state=%s faulted=%d", c.State(), hc.faulted.Load())
	}
}

func TestFaultWhileClosing(t *testing.T) {
	c, h, hc := newTestObject(t)
	release := make(chan struct{})
	h.OnCloseFunc = func(ctx context.Context, timeout time.Duration) error {
		hc.onClose.Add(1)
		<-release
		return nil
	}
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}
	closeErr := make(chan error, 1)
	go func() { closeErr <- c.Close(time.Second) }()
	awaitState(t, c, StateClosing)

	c.Fault(errors.New("x"))
	if c.State() != StateFaulted || hc.faulted.Load() != 1 {
		t.Fatalf("state=%s faulted=%d", c.State(), hc.faulted.Load())
	}
	if err := c.EnsureOpened("Send"); !IsFault(err) {
		t.Errorf("EnsureOpened returned %v", err)
	}
	close(release)
	if err := <-closeErr; err != nil {
		t.Errorf("Close returned %v", err)
	}
	if c.State() != StateClosed || hc.closed.Load() != 1 {
		t.Errorf("state=%s closed=%d", c.State(), hc.closed.Load())
	}
	if hc.onClose.Load() != 1 || hc.onAbort.Load() != 0 {
		t.Errorf("onClose=%d onAbort=%d", hc.onClose.Load(), hc.onAbort.Load())
	}
	c.Fault(errors.New("y"))
	if c.State() != StateClosed || hc.faulted.Load() != 1 {
		t.Errorf("Fault after Closed changed state to %s", c.State())
	}
}

func TestAbortFromFaultedNeverMovesBack(t *testing.T) {
	c, h, hc := newTestObject(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.OnAbortFunc = func() {
		close(entered)
		<-release
	}
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("Open returned error: %s", err)
	}
	c.Fault(errors.New("x"))

	aborted := make(chan struct{})
	go func() {
		c.Abort()
		close(aborted)
	}()
	<-entered
	if c.State() != StateFaulted {
		t.Errorf("state during Abort from Faulted is %s", c.State())
	}
	if err := c.EnsureOpened("Send"); !IsFault(err) {
		t.Errorf("EnsureOpened during Abort returned %v", err)
	}
	close(release)
	<-aborted
	if c.State() != StateClosed || hc.closed.Load() != 1 || hc.faulted.Load() != 1 {
		t.Errorf("state=%s closed=%d faulted=%d", c.State(), hc.closed.Load(), hc.faulted.Load())
	}
}

func TestOpenTimeoutAfterAbortIsOnlyTimeout(t *testing.T) {
	c, h, _ := newTestObject(t)
	block := make(chan struct{})
	defer close(block)
	h.OnOpenFunc = func(ctx context.Context, timeout time.Duration) error {
		<-block
		return nil
	}
	openErr := make(chan error, 1)
	go func() { openErr <- c.Open(100 * time.Millisecond) }()
	awaitState(t, c, StateOpening)
	c.Abort()

	err := <-openErr
	if !IsTimeout(err) || IsFault(err) {
		t.Errorf("Open returned %v; expected a timeout only", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state is %s", c.State())
	}
}
