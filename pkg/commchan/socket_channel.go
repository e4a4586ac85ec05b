package commchan

import (
	"context"
	"net"
	"time"

	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
)

// SocketChannel is a TCP or Unix domain stream Channel. A channel created
// with NewSocketChannel dials in OnOpen; one created by a listener wraps an
// accepted connection and is opened already.
type SocketChannel struct {
	BasicEndpoint
	network string
	address string
	dialer  net.Dialer
	conn    resourceSlot[net.Conn]
}

var _ Channel = (*SocketChannel)(nil)

// NewSocketChannel creates a SocketChannel that will dial address on network
// ("tcp", "tcp4", "tcp6" or "unix") when opened
func NewSocketChannel(lg logger.Logger, network, address string) *SocketChannel {
	c := &SocketChannel{
		network: network,
		address: address,
	}
	c.InitBasicEndpoint(lg, c, "SocketChannel(%s %s)", network, address)
	return c
}

// NewAcceptedSocketChannel wraps an already connected net.Conn in an opened
// SocketChannel. Ownership of netConn passes to the channel.
func NewAcceptedSocketChannel(lg logger.Logger, netConn net.Conn) (*SocketChannel, error) {
	c := &SocketChannel{}
	if ra := netConn.RemoteAddr(); ra != nil {
		c.network, c.address = ra.Network(), ra.String()
	}
	c.conn.set(netConn)
	c.InitBasicEndpoint(lg, c, "SocketChannel(%s)", c.address)
	if err := c.Open(c.DefaultOpenTimeout()); err != nil {
		netConn.Close()
		return nil, err
	}
	return c, nil
}

// OnOpen dials the remote address, unless the channel was created around an
// existing connection
func (c *SocketChannel) OnOpen(ctx context.Context, timeout time.Duration) error {
	if _, ok := c.conn.get(); ok {
		return nil
	}
	netConn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return c.Errorf("Dial failed: %w", err)
	}
	if !c.conn.set(netConn) {
		netConn.Close()
		return c.Errorf("Aborted while dialing")
	}
	c.DLogf("Connected to %s", netConn.RemoteAddr())
	return nil
}

// OnClose half-closes the connection so the remote side sees end-of-stream,
// then closes it
func (c *SocketChannel) OnClose(ctx context.Context, timeout time.Duration) error {
	netConn, ok := c.conn.take()
	if !ok {
		return nil
	}
	if whc, ok := netConn.(WriteHalfCloser); ok {
		whc.CloseWrite()
	}
	if err := netConn.Close(); err != nil {
		return c.Errorf("Close failed: %w", err)
	}
	c.DLogf("Closed (%s)", c.StatsString())
	return nil
}

// OnAbort closes the connection if there is one
func (c *SocketChannel) OnAbort() {
	if netConn, ok := c.conn.take(); ok {
		netConn.Close()
	}
}

// Read implements io.Reader. A transport error faults the channel.
func (c *SocketChannel) Read(p []byte) (int, error) {
	netConn, err := c.openConn("Read")
	if err != nil {
		return 0, err
	}
	n, err := netConn.Read(p)
	c.countRead(n)
	return n, c.faultOnIOError("Read", err)
}

// Write implements io.Writer. A transport error faults the channel.
func (c *SocketChannel) Write(p []byte) (int, error) {
	netConn, err := c.openConn("Write")
	if err != nil {
		return 0, err
	}
	n, err := netConn.Write(p)
	c.countWritten(n)
	return n, c.faultOnIOError("Write", err)
}

// CloseWrite shuts down the writing side of the socket. A connection that
// cannot half-close ignores the call.
func (c *SocketChannel) CloseWrite() error {
	netConn, err := c.openConn("CloseWrite")
	if err != nil {
		return err
	}
	whc, ok := netConn.(WriteHalfCloser)
	if !ok {
		c.DLogf("CloseWrite() ignored--not implemented by net.Conn implementer")
		return nil
	}
	if err := whc.CloseWrite(); err != nil {
		return c.Errorf("CloseWrite failed: %w", err)
	}
	return nil
}

// LocalAddr returns the local address of an opened channel, or nil
func (c *SocketChannel) LocalAddr() net.Addr {
	if netConn, ok := c.conn.get(); ok {
		return netConn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote address of an opened channel, or nil
func (c *SocketChannel) RemoteAddr() net.Addr {
	if netConn, ok := c.conn.get(); ok {
		return netConn.RemoteAddr()
	}
	return nil
}

func (c *SocketChannel) openConn(op string) (net.Conn, error) {
	if err := c.EnsureOpened(op); err != nil {
		return nil, err
	}
	netConn, ok := c.conn.get()
	if !ok {
		return nil, &commobj.InvalidStateError{Object: c.String(), Op: op, State: c.State()}
	}
	return netConn, nil
}
