package servicehost

import (
	"context"
	"sync"
	"time"

	"github.com/sammck-go/commobj/pkg/commchan"
	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
)

// ChannelHandler services one accepted channel. The channel is closed after
// the handler returns, if the handler has not done so already. ctx ends when
// the host is closed or aborted.
type ChannelHandler func(ctx context.Context, ch commchan.Channel)

// ListenerHost opens a Listener and runs a handler for every channel it
// accepts. Closing the host closes the listener, then waits (within the close
// budget) for running handlers; aborting it aborts every accepted channel.
type ListenerHost struct {
	commobj.CommunicationObject
	listener commchan.Listener
	handler  ChannelHandler

	lock     sync.Mutex
	draining bool
	active   map[commchan.Channel]struct{}
	handlers sync.WaitGroup
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewListenerHost creates a host serving listener with handler
func NewListenerHost(lg logger.Logger, listener commchan.Listener, handler ChannelHandler) *ListenerHost {
	h := &ListenerHost{
		listener: listener,
		handler:  handler,
		active:   make(map[commchan.Channel]struct{}),
		loopDone: make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.InitCommunicationObject(lg, h, "ListenerHost(%s)", listener)
	listener.AddObserver(func(state commobj.CommunicationState) {
		if state != commobj.StateFaulted && state != commobj.StateClosed {
			return
		}
		if h.State() == commobj.StateOpened {
			h.Faultf("Listener %s is %s", listener, state)
		}
	})
	return h
}

// Listener returns the hosted listener
func (h *ListenerHost) Listener() commchan.Listener {
	return h.listener
}

// NumActive returns the number of channels currently being handled
func (h *ListenerHost) NumActive() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.active)
}

// OnOpen opens the listener and starts accepting
func (h *ListenerHost) OnOpen(ctx context.Context, timeout time.Duration) error {
	if err := h.listener.Open(timeout); err != nil {
		return err
	}
	go h.acceptLoop()
	return nil
}

// OnClose closes the listener and waits for handlers to finish. Handlers
// still running when the budget runs out have their channels aborted.
func (h *ListenerHost) OnClose(ctx context.Context, timeout time.Duration) error {
	th := commobj.NewTimeoutHelper(timeout)
	err := h.listener.Close(th.RemainingTime())
	h.waitLoop(th.RemainingTime())
	h.lock.Lock()
	h.draining = true
	h.lock.Unlock()

	handlersDone := make(chan struct{})
	go func() {
		h.handlers.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-ctx.Done():
		h.WLogf("%d handlers still running; aborting their channels", h.NumActive())
		h.abortActive()
	}
	h.cancel()
	return err
}

// OnAbort aborts the listener and every accepted channel
func (h *ListenerHost) OnAbort() {
	h.cancel()
	h.listener.Abort()
	h.abortActive()
}

func (h *ListenerHost) waitLoop(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.loopDone:
	case <-timer.C:
	}
}

func (h *ListenerHost) abortActive() {
	h.lock.Lock()
	active := make([]commchan.Channel, 0, len(h.active))
	for ch := range h.active {
		active = append(active, ch)
	}
	h.lock.Unlock()
	for _, ch := range active {
		ch.Abort()
	}
}

func (h *ListenerHost) acceptLoop() {
	defer close(h.loopDone)
	for {
		ch, err := h.listener.Accept()
		if err != nil {
			h.DLogf("Accept loop exiting: %s", err)
			return
		}
		h.lock.Lock()
		if h.draining {
			h.lock.Unlock()
			ch.Abort()
			return
		}
		h.active[ch] = struct{}{}
		h.handlers.Add(1)
		h.lock.Unlock()
		go h.serve(ch)
	}
}

func (h *ListenerHost) serve(ch commchan.Channel) {
	defer h.handlers.Done()
	defer func() {
		h.lock.Lock()
		delete(h.active, ch)
		h.lock.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			h.ELogf("Handler for %s panicked: %v", ch, r)
			ch.Abort()
		}
	}()
	h.DLogf("Serving %s", ch)
	h.handler(h.ctx, ch)
	ch.CloseDefault()
}
