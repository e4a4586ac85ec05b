package servicehost

import (
	"bufio"
	"context"
	"io"
	"log"
	"strings"

	socks5 "github.com/armon/go-socks5"
	"github.com/sammck-go/commobj/pkg/commchan"
	"github.com/sammck-go/commobj/pkg/logger"
)

// EchoHandler writes everything read from a channel back to it
func EchoHandler(ctx context.Context, ch commchan.Channel) {
	io.Copy(ch, ch)
	ch.CloseWrite()
}

// NewForwardHandler returns a handler that opens a fresh channel through
// factory for every accepted channel and bridges the two
func NewForwardHandler(lg logger.Logger, factory *commchan.ChannelFactory) ChannelHandler {
	return func(ctx context.Context, ch commchan.Channel) {
		target, err := factory.Open(ctx)
		if err != nil {
			lg.DLogf("Unable to reach forward target for %s: %s", ch, err)
			return
		}
		sent, received, err := commchan.BridgeChannels(ctx, lg, ch, target)
		if err != nil {
			lg.DLogf("Bridge of %s ended with error: %s", ch, err)
		}
		lg.DLogf("Forwarded %s: %d bytes out, %d bytes back", ch, sent, received)
	}
}

// NewSocksHandler returns a handler that runs a SOCKS5 server session on
// each accepted channel. Outbound connections are made directly by the
// handler's process.
func NewSocksHandler(lg logger.Logger) (ChannelHandler, error) {
	lg = lg.Fork("socks5")
	server, err := socks5.New(&socks5.Config{
		Logger: log.New(&logLineWriter{lg: lg}, "", 0),
	})
	if err != nil {
		return nil, lg.Errorf("Unable to create SOCKS5 server: %s", err)
	}
	return func(ctx context.Context, ch commchan.Channel) {
		if err := server.ServeConn(commchan.NewChannelNetConn(ch)); err != nil {
			lg.DLogf("SOCKS5 session on %s ended: %s", ch, err)
		}
	}, nil
}

// logLineWriter feeds lines written by a standard library logger to a Logger
// at debug level
type logLineWriter struct {
	lg logger.Logger
}

func (w *logLineWriter) Write(p []byte) (int, error) {
	sc := bufio.NewScanner(strings.NewReader(string(p)))
	for sc.Scan() {
		w.lg.DLogf("%s", sc.Text())
	}
	return len(p), nil
}
