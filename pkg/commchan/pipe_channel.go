package commchan

import (
	"github.com/prep/socketpair"
	"github.com/sammck-go/commobj/pkg/logger"
)

// NewPipeChannels creates two opened SocketChannels connected to each other
// through a unix socketpair. Whatever is written to one can be read from the
// other, and CloseWrite on one end is seen as end-of-stream on the other.
func NewPipeChannels(lg logger.Logger) (*SocketChannel, *SocketChannel, error) {
	conn1, conn2, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, lg.Errorf("Unable to create socketpair: %s", err)
	}
	ch1, err := NewAcceptedSocketChannel(lg, conn1)
	if err != nil {
		conn2.Close()
		return nil, nil, err
	}
	ch2, err := NewAcceptedSocketChannel(lg, conn2)
	if err != nil {
		ch1.Abort()
		return nil, nil, err
	}
	return ch1, ch2, nil
}
