package commchan

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
	"golang.org/x/net/netutil"
)

// SocketListener listens for TCP connections. The listen socket is bound in
// OnOpen and closed on Close or Abort; accepted connections are handed out as
// opened SocketChannels.
type SocketListener struct {
	BasicEndpoint
	network        string
	address        string
	maxConnections int
	lc             net.ListenConfig
	listener       resourceSlot[net.Listener]
}

var _ Listener = (*SocketListener)(nil)

// NewSocketListener creates a listener for address on network ("tcp",
// "tcp4" or "tcp6"). If maxConnections is positive, at most that many
// accepted connections may be open at once; Accept blocks until one closes.
func NewSocketListener(lg logger.Logger, network, address string, maxConnections int) *SocketListener {
	l := &SocketListener{
		network:        network,
		address:        address,
		maxConnections: maxConnections,
	}
	l.InitBasicEndpoint(lg, l, "SocketListener(%s %s)", network, address)
	return l
}

// OnOpen binds the listen socket
func (l *SocketListener) OnOpen(ctx context.Context, timeout time.Duration) error {
	nl, err := l.lc.Listen(ctx, l.network, l.address)
	if err != nil {
		return l.Errorf("Listen failed: %w", err)
	}
	if l.maxConnections > 0 {
		nl = netutil.LimitListener(nl, l.maxConnections)
	}
	if !l.listener.set(nl) {
		nl.Close()
		return l.Errorf("Aborted while binding")
	}
	l.DLogf("Listening on %s", nl.Addr())
	return nil
}

// OnClose closes the listen socket. Already accepted channels are not affected.
func (l *SocketListener) OnClose(ctx context.Context, timeout time.Duration) error {
	nl, ok := l.listener.take()
	if !ok {
		return nil
	}
	if err := nl.Close(); err != nil {
		return l.Errorf("Close of listen socket failed: %w", err)
	}
	return nil
}

// OnAbort closes the listen socket if there is one
func (l *SocketListener) OnAbort() {
	if nl, ok := l.listener.take(); ok {
		nl.Close()
	}
}

// Accept waits for the next connection and returns it as an opened
// SocketChannel. Once the listener is closed Accept fails with an
// invalid-state error.
func (l *SocketListener) Accept() (Channel, error) {
	return acceptChannel(&l.BasicEndpoint, &l.listener)
}

// Addr returns the bound address, or nil if the listener is not open
func (l *SocketListener) Addr() net.Addr {
	if nl, ok := l.listener.get(); ok {
		return nl.Addr()
	}
	return nil
}

// acceptChannel is the Accept loop body shared by the socket based listeners
func acceptChannel(e *BasicEndpoint, slot *resourceSlot[net.Listener]) (Channel, error) {
	if err := e.EnsureOpened("Accept"); err != nil {
		return nil, err
	}
	nl, ok := slot.get()
	if !ok {
		return nil, &commobj.InvalidStateError{Object: e.String(), Op: "Accept", State: e.State()}
	}
	netConn, err := nl.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			// Closed under us; report the state we were closed into
			if serr := e.EnsureOpened("Accept"); serr != nil {
				return nil, serr
			}
		}
		return nil, e.faultOnIOError("Accept", err)
	}
	ch, err := NewAcceptedSocketChannel(e.Logger, netConn)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
