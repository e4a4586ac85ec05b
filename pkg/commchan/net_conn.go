package commchan

import (
	"net"
	"time"
)

// NewChannelNetConn thinly wraps an opened Channel so it looks enough like a
// net.Conn for code that only accepts one, such as a SOCKS5 server. CloseWrite
// is passed through, since such code checks for it. Deadlines are ignored.
// Close closes the channel with its default budget.
func NewChannelNetConn(ch Channel) net.Conn {
	return &channelNetConn{Channel: ch}
}

type channelNetConn struct {
	Channel
}

type remoteAddrer interface {
	RemoteAddr() net.Addr
}

func (c *channelNetConn) Close() error {
	return c.Channel.CloseDefault()
}

func (c *channelNetConn) LocalAddr() net.Addr {
	return channelAddr{c.Channel}
}

func (c *channelNetConn) RemoteAddr() net.Addr {
	if ra, ok := c.Channel.(remoteAddrer); ok {
		if addr := ra.RemoteAddr(); addr != nil {
			return addr
		}
	}
	return channelAddr{c.Channel}
}

func (c *channelNetConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *channelNetConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *channelNetConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// channelAddr names a channel where a net.Addr is expected
type channelAddr struct {
	ch Channel
}

func (a channelAddr) Network() string {
	return "commobj"
}

func (a channelAddr) String() string {
	return a.ch.String()
}
