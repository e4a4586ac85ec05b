package commchan

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
)

// Channel is an opened bidirectional byte stream with a managed lifecycle
type Channel interface {
	commobj.Communicator
	io.ReadWriter
	WriteHalfCloser

	// NumBytesRead returns the number of bytes read so far
	NumBytesRead() int64

	// NumBytesWritten returns the number of bytes written so far
	NumBytesWritten() int64
}

// Listener produces already-opened Channels, one per accepted connection
type Listener interface {
	commobj.Communicator

	// Accept waits for the next connection. The listener must be Opened.
	Accept() (Channel, error)

	// Addr returns the bound address. Only meaningful once Opened.
	Addr() net.Addr
}

// WriteHalfCloser is implemented by bidirectional streams that can signal
// end-of-stream to the remote reader while still reading themselves.
// Corresponds to net.TCPConn.CloseWrite().
type WriteHalfCloser interface {
	CloseWrite() error
}

var nextEndpointID atomic.Int32

// AllocEndpointID allocates a unique endpoint ID number, for logging purposes
func AllocEndpointID() int32 {
	return nextEndpointID.Add(1)
}

// BasicEndpoint is the common base of every endpoint in this package. It
// carries the lifecycle state machine, a unique ID and byte counters.
type BasicEndpoint struct {
	commobj.CommunicationObject
	ID              int32
	numBytesRead    atomic.Int64
	numBytesWritten atomic.Int64
	stopOnce        sync.Once
	stopped         chan struct{}
}

// InitBasicEndpoint initializes the BasicEndpoint portion of a new endpoint.
// hooks is normally the endpoint itself.
func (e *BasicEndpoint) InitBasicEndpoint(
	lg logger.Logger,
	hooks commobj.Hooks,
	namef string,
	args ...interface{},
) {
	e.ID = AllocEndpointID()
	e.InitCommunicationObject(lg, hooks, "[%d]%s", e.ID, fmt.Sprintf(namef, args...))
	e.stopped = make(chan struct{})
	e.AddObserver(func(state commobj.CommunicationState) {
		switch state {
		case commobj.StateClosing, commobj.StateClosed, commobj.StateFaulted:
			e.stopOnce.Do(func() { close(e.stopped) })
		}
	})
}

// StoppedChan returns a channel that is closed once the endpoint starts
// closing, or faults. Blocking calls select on it so they do not outlive the
// endpoint.
func (e *BasicEndpoint) StoppedChan() <-chan struct{} {
	return e.stopped
}

// NumBytesRead returns the number of bytes read so far
func (e *BasicEndpoint) NumBytesRead() int64 {
	return e.numBytesRead.Load()
}

// NumBytesWritten returns the number of bytes written so far
func (e *BasicEndpoint) NumBytesWritten() int64 {
	return e.numBytesWritten.Load()
}

func (e *BasicEndpoint) countRead(n int) {
	e.numBytesRead.Add(int64(n))
}

func (e *BasicEndpoint) countWritten(n int) {
	e.numBytesWritten.Add(int64(n))
}

// StatsString summarizes traffic in human units, e.g. "sent 1.2KB received 3MB"
func (e *BasicEndpoint) StatsString() string {
	return fmt.Sprintf(
		"sent %s received %s",
		sizestr.ToString(e.NumBytesWritten()),
		sizestr.ToString(e.NumBytesRead()),
	)
}

// faultOnIOError faults the endpoint when a transport error shows up during
// I/O. End-of-stream is not a fault. Errors seen after the endpoint has left
// Opened are the result of closing it and are ignored.
func (e *BasicEndpoint) faultOnIOError(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if e.State() == commobj.StateOpened {
		e.Fault(fmt.Errorf("%s failed: %w", op, err))
	}
	return err
}

// resourceSlot holds the resource acquired by an OnOpen hook. OnAbort can run
// while acquisition is still in progress, so the slot remembers that it was
// aborted and refuses a late resource, which the acquirer must then release.
type resourceSlot[T any] struct {
	lock    sync.Mutex
	value   T
	has     bool
	aborted bool
}

// set stores v. Returns false if the slot was already aborted.
func (s *resourceSlot[T]) set(v T) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.aborted {
		return false
	}
	s.value = v
	s.has = true
	return true
}

func (s *resourceSlot[T]) get() (T, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.value, s.has
}

// take empties the slot and marks it aborted
func (s *resourceSlot[T]) take() (T, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, has := s.value, s.has
	var zero T
	s.value = zero
	s.has = false
	s.aborted = true
	return v, has
}
