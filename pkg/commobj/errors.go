package commobj

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the four failure kinds. Every error created by a
// CommunicationObject is one of these kinds. A FaultError unwraps to its
// cause, so a fault that was caused by a timeout also matches ErrTimeout.
var (
	ErrInvalidState = errors.New("invalid state")
	ErrTimeout      = errors.New("timed out")
	ErrFault        = errors.New("faulted")
	ErrUsage        = errors.New("usage error")
)

// InvalidStateError reports an operation attempted in a state that forbids it
type InvalidStateError struct {
	Object string
	Op     string
	State  CommunicationState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s not allowed in state %s", e.Object, e.Op, e.State)
}

// Is matches ErrInvalidState
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// TimeoutError reports an Open or Close that did not finish within its budget
type TimeoutError struct {
	Object  string
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out after %s", e.Object, e.Op, e.Timeout)
}

// Is matches ErrTimeout
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// FaultError reports a failed hook or an explicit Fault. Cause is the original
// failure and is reachable through errors.Unwrap.
type FaultError struct {
	Object string
	Op     string
	Cause  error
}

func (e *FaultError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s: object is faulted", e.Object, e.Op)
	}
	return fmt.Sprintf("%s: %s: faulted: %s", e.Object, e.Op, e.Cause)
}

// Is matches ErrFault
func (e *FaultError) Is(target error) bool { return target == ErrFault }

// Unwrap returns the fault cause
func (e *FaultError) Unwrap() error { return e.Cause }

// UsageError reports a programming defect in the caller, e.g. ending an
// asynchronous operation twice
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// Is matches ErrUsage
func (e *UsageError) Is(target error) bool { return target == ErrUsage }

// IsInvalidState returns true if err is or wraps an invalid-state error
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsTimeout returns true if err is or wraps a timeout error
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsFault returns true if err is or wraps a fault error
func IsFault(err error) bool { return errors.Is(err, ErrFault) }

// IsUsage returns true if err is or wraps a usage error
func IsUsage(err error) bool { return errors.Is(err, ErrUsage) }
