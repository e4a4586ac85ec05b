package servicehost

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
)

// ServiceHost is a communication object that owns a set of child objects.
// Opening the host opens the children in the order they were added; closing
// it closes them in reverse order. If a child faults or closes on its own
// while the host is opened, the host faults.
type ServiceHost struct {
	commobj.CommunicationObject
	lock     sync.Mutex
	children []commobj.Communicator
}

// NewServiceHost creates an empty ServiceHost
func NewServiceHost(lg logger.Logger, namef string, args ...interface{}) *ServiceHost {
	h := &ServiceHost{}
	h.InitCommunicationObject(lg, h, namef, args...)
	return h
}

// Add registers a child. Children may only be added before the host is
// opened.
func (h *ServiceHost) Add(child commobj.Communicator) error {
	if st := h.State(); st != commobj.StateCreated {
		return &commobj.InvalidStateError{Object: h.String(), Op: "Add", State: st}
	}
	h.lock.Lock()
	h.children = append(h.children, child)
	h.lock.Unlock()
	child.AddObserver(func(state commobj.CommunicationState) {
		if state != commobj.StateFaulted && state != commobj.StateClosed {
			return
		}
		if h.State() == commobj.StateOpened {
			h.Faultf("Child %s is %s", child, state)
		}
	})
	return nil
}

// Children returns the registered children in open order
func (h *ServiceHost) Children() []commobj.Communicator {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]commobj.Communicator(nil), h.children...)
}

// OnOpen opens every child in order, splitting what is left of the budget.
// If one fails, the children already opened are aborted.
func (h *ServiceHost) OnOpen(ctx context.Context, timeout time.Duration) error {
	th := commobj.NewTimeoutHelper(timeout)
	children := h.Children()
	for i, child := range children {
		if err := child.Open(th.RemainingTime()); err != nil {
			for j := i; j >= 0; j-- {
				children[j].Abort()
			}
			return h.Errorf("Open of %s failed: %w", child, err)
		}
	}
	h.DLogf("Opened %d children", len(children))
	return nil
}

// OnClose closes the children in reverse order. Every child is closed even if
// an earlier one fails; the failures are joined.
func (h *ServiceHost) OnClose(ctx context.Context, timeout time.Duration) error {
	th := commobj.NewTimeoutHelper(timeout)
	children := h.Children()
	var errs []error
	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].Close(th.RemainingTime()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnAbort aborts the children in reverse order
func (h *ServiceHost) OnAbort() {
	children := h.Children()
	for i := len(children) - 1; i >= 0; i-- {
		children[i].Abort()
	}
}

// OnFaulted aborts every child, so that a faulted host holds no resources
// while waiting for its owner to close it
func (h *ServiceHost) OnFaulted() error {
	h.OnAbort()
	return nil
}
