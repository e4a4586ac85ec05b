package commchan

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sammck-go/commobj/pkg/logger"
)

// StreamChannel is a Channel made from a separate read stream and write
// stream, e.g. stdin and stdout. Both streams exist before the channel is
// opened, so opening it only marks it ready.
type StreamChannel struct {
	BasicEndpoint
	input          io.ReadCloser
	output         io.WriteCloser
	closeWriteOnce sync.Once
	closeWriteErr  error
}

// NewStreamChannel creates a StreamChannel that reads from input and writes
// to output. The channel owns both streams.
func NewStreamChannel(lg logger.Logger, input io.ReadCloser, output io.WriteCloser) *StreamChannel {
	c := &StreamChannel{
		input:  input,
		output: output,
	}
	c.InitBasicEndpoint(lg, c, "StreamChannel")
	return c
}

// NewStdioChannel creates a StreamChannel on the process's stdin and stdout
func NewStdioChannel(lg logger.Logger) *StreamChannel {
	return NewStreamChannel(lg, os.Stdin, os.Stdout)
}

// OnOpen has nothing to acquire
func (c *StreamChannel) OnOpen(ctx context.Context, timeout time.Duration) error {
	return nil
}

// OnClose ends the output stream, then the input stream
func (c *StreamChannel) OnClose(ctx context.Context, timeout time.Duration) error {
	return errors.Join(c.CloseWrite(), c.input.Close())
}

// OnAbort closes both streams
func (c *StreamChannel) OnAbort() {
	c.CloseWrite()
	c.input.Close()
}

// CloseWrite closes the output stream. Later calls return the first result.
func (c *StreamChannel) CloseWrite() error {
	c.closeWriteOnce.Do(func() {
		c.closeWriteErr = c.output.Close()
	})
	return c.closeWriteErr
}

func (c *StreamChannel) Read(p []byte) (int, error) {
	if err := c.EnsureOpened("Read"); err != nil {
		return 0, err
	}
	n, err := c.input.Read(p)
	c.countRead(n)
	return n, c.faultOnIOError("Read", err)
}

func (c *StreamChannel) Write(p []byte) (int, error) {
	if err := c.EnsureOpened("Write"); err != nil {
		return 0, err
	}
	n, err := c.output.Write(p)
	c.countWritten(n)
	return n, c.faultOnIOError("Write", err)
}
