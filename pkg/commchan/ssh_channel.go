package commchan

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
	"golang.org/x/crypto/ssh"
)

// SSHChannel is a Channel carried by one SSH channel. A client-side
// SSHChannel owns its whole SSH connection: OnOpen dials, performs the
// handshake and opens the channel; OnClose tears all of it down. Losing the
// SSH connection while opened faults the channel.
type SSHChannel struct {
	BasicEndpoint
	address     string
	config      *ssh.ClientConfig
	channelType string
	extraData   []byte
	sess        resourceSlot[*sshSession]
}

var _ Channel = (*SSHChannel)(nil)

type sshSession struct {
	conn    ssh.Conn // nil on the server side, where the connection is shared
	channel ssh.Channel
}

// NewSSHChannel creates a channel that connects to the SSH server at address
// and opens a channel of channelType, passing extraData with the request
func NewSSHChannel(
	lg logger.Logger,
	address string,
	config *ssh.ClientConfig,
	channelType string,
	extraData []byte,
) *SSHChannel {
	c := &SSHChannel{
		address:     address,
		config:      config,
		channelType: channelType,
		extraData:   extraData,
	}
	c.InitBasicEndpoint(lg, c, "SSHChannel(%s %s)", address, channelType)
	return c
}

// NewAcceptedSSHChannel wraps a server-side ssh.Channel in an opened
// SSHChannel. Closing it closes only the channel, not the connection.
func NewAcceptedSSHChannel(lg logger.Logger, channelType string, sshChannel ssh.Channel) (*SSHChannel, error) {
	c := &SSHChannel{
		channelType: channelType,
	}
	c.sess.set(&sshSession{channel: sshChannel})
	c.InitBasicEndpoint(lg, c, "SSHChannel(accepted %s)", channelType)
	if err := c.Open(c.DefaultOpenTimeout()); err != nil {
		sshChannel.Close()
		return nil, err
	}
	return c, nil
}

// OnOpen dials, handshakes and opens the SSH channel
func (c *SSHChannel) OnOpen(ctx context.Context, timeout time.Duration) error {
	if _, ok := c.sess.get(); ok {
		return nil
	}
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return c.Errorf("Dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	c.DLogf("Handshaking...")
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.address, c.config)
	if err != nil {
		netConn.Close()
		return c.Errorf("SSH handshake failed: %w", err)
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		for nc := range chans {
			nc.Reject(ssh.Prohibited, "channels may not be opened toward this client")
		}
	}()

	sshChannel, chreqs, err := sshConn.OpenChannel(c.channelType, c.extraData)
	if err != nil {
		sshConn.Close()
		return c.Errorf("Unable to open %s channel: %w", c.channelType, err)
	}
	go ssh.DiscardRequests(chreqs)
	netConn.SetDeadline(time.Time{})

	if !c.sess.set(&sshSession{conn: sshConn, channel: sshChannel}) {
		sshConn.Close()
		return c.Errorf("Aborted during handshake")
	}
	go func() {
		err := sshConn.Wait()
		if c.State() == commobj.StateOpened {
			c.Faultf("SSH connection lost: %v", err)
		}
	}()
	c.DLogf("Opened %s channel", c.channelType)
	return nil
}

// OnClose closes the SSH channel, then the connection if this side owns it
func (c *SSHChannel) OnClose(ctx context.Context, timeout time.Duration) error {
	s, ok := c.sess.take()
	if !ok {
		return nil
	}
	err := s.channel.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	c.DLogf("Closed (%s)", c.StatsString())
	if err != nil && !errors.Is(err, io.EOF) {
		return c.Errorf("Close failed: %w", err)
	}
	return nil
}

// OnAbort closes whatever has been acquired
func (c *SSHChannel) OnAbort() {
	if s, ok := c.sess.take(); ok {
		s.channel.Close()
		if s.conn != nil {
			s.conn.Close()
		}
	}
}

// Read implements io.Reader
func (c *SSHChannel) Read(p []byte) (int, error) {
	s, err := c.openSession("Read")
	if err != nil {
		return 0, err
	}
	n, err := s.channel.Read(p)
	c.countRead(n)
	return n, c.faultOnIOError("Read", err)
}

// Write implements io.Writer
func (c *SSHChannel) Write(p []byte) (int, error) {
	s, err := c.openSession("Write")
	if err != nil {
		return 0, err
	}
	n, err := s.channel.Write(p)
	c.countWritten(n)
	return n, c.faultOnIOError("Write", err)
}

// CloseWrite sends EOF on the SSH channel
func (c *SSHChannel) CloseWrite() error {
	s, err := c.openSession("CloseWrite")
	if err != nil {
		return err
	}
	return s.channel.CloseWrite()
}

func (c *SSHChannel) openSession(op string) (*sshSession, error) {
	if err := c.EnsureOpened(op); err != nil {
		return nil, err
	}
	s, ok := c.sess.get()
	if !ok {
		return nil, &commobj.InvalidStateError{Object: c.String(), Op: op, State: c.State()}
	}
	return s, nil
}

// ServeSSHConn performs the server side handshake on netConn, then hands
// every incoming channel of channelType to handle as an opened SSHChannel.
// Other channel types are rejected. Returns when the SSH connection ends;
// netConn is closed before returning.
func ServeSSHConn(
	lg logger.Logger,
	netConn net.Conn,
	config *ssh.ServerConfig,
	channelType string,
	handle func(ch *SSHChannel),
) error {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return lg.Errorf("SSH handshake failed: %w", err)
	}
	defer sshConn.Close()
	lg.DLogf("SSH connection from %s (%s)", sshConn.RemoteAddr(), sshConn.ClientVersion())
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != channelType {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		sshChannel, chreqs, err := nc.Accept()
		if err != nil {
			lg.DLogf("Unable to accept channel: %s", err)
			continue
		}
		go ssh.DiscardRequests(chreqs)
		ch, err := NewAcceptedSSHChannel(lg, channelType, sshChannel)
		if err != nil {
			continue
		}
		go handle(ch)
	}
	return nil
}
