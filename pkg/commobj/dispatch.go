package commobj

import (
	"sync"
	"sync/atomic"
)

// InvokeReceivedNotifier is told when the dispatcher is about to process a
// unit of work
type InvokeReceivedNotifier interface {
	NotifyInvokeReceived()
	NotifyInvokeReceivedRequest(request interface{})
}

// DispatchHandler processes one request
type DispatchHandler func(request interface{}) error

// Dispatcher runs message-processing work on behalf of an endpoint, but only
// while that endpoint is Opened. The state is checked again before every
// request, since another goroutine may close or abort the endpoint at any time.
type Dispatcher struct {
	obj       *CommunicationObject
	handler   DispatchHandler
	lock      sync.Mutex
	notifiers []InvokeReceivedNotifier
	inFlight  atomic.Int64
	total     atomic.Int64
}

// NewDispatcher creates a Dispatcher guarding handler with obj's state
func NewDispatcher(obj *CommunicationObject, handler DispatchHandler) *Dispatcher {
	return &Dispatcher{
		obj:     obj,
		handler: handler,
	}
}

// Register adds a notifier that hears about every dispatched request
func (d *Dispatcher) Register(n InvokeReceivedNotifier) {
	d.lock.Lock()
	d.notifiers = append(d.notifiers, n)
	d.lock.Unlock()
}

// Dispatch processes one request if the object is Opened, and fails with an
// invalid-state or fault error otherwise. A nil request is a bare invocation.
func (d *Dispatcher) Dispatch(request interface{}) error {
	if err := d.obj.EnsureOpened("Dispatch"); err != nil {
		return err
	}
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	d.total.Add(1)

	d.lock.Lock()
	notifiers := d.notifiers
	d.lock.Unlock()
	for _, n := range notifiers {
		if request == nil {
			n.NotifyInvokeReceived()
		} else {
			n.NotifyInvokeReceivedRequest(request)
		}
	}

	return d.handler(request)
}

// InFlight returns the number of requests currently being processed
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Total returns the number of requests dispatched so far
func (d *Dispatcher) Total() int64 {
	return d.total.Load()
}
