package commchan

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/commobj/pkg/logger"
)

// NewChannelFunc creates a fresh, not yet opened Channel
type NewChannelFunc func() Channel

// ChannelFactory opens channels, retrying failed opens with exponential
// backoff. A channel that failed to open is faulted and cannot be reopened,
// so every attempt uses a new channel from NewChannel.
type ChannelFactory struct {
	logger.Logger
	NewChannel NewChannelFunc

	// MaxRetryCount limits retries after the first attempt; negative retries
	// forever
	MaxRetryCount int

	// MinRetryInterval and MaxRetryInterval bound the backoff delay
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration

	// AttemptTimeout is the open budget of each attempt; zero uses the
	// channel's default
	AttemptTimeout time.Duration
}

// NewChannelFactory creates a ChannelFactory with a 100ms to 5m backoff
// and no retry limit
func NewChannelFactory(lg logger.Logger, newChannel NewChannelFunc) *ChannelFactory {
	return &ChannelFactory{
		Logger:           lg.Fork("ChannelFactory"),
		NewChannel:       newChannel,
		MaxRetryCount:    -1,
		MinRetryInterval: 100 * time.Millisecond,
		MaxRetryInterval: 5 * time.Minute,
	}
}

// Open creates and opens channels until one opens, the retry count is used
// up, or ctx ends. Returns the opened channel, or the last open error.
func (f *ChannelFactory) Open(ctx context.Context) (Channel, error) {
	b := &backoff.Backoff{
		Min:    f.MinRetryInterval,
		Max:    f.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}
	for {
		ch := f.NewChannel()
		err := f.openOne(ctx, ch)
		if err == nil {
			return ch, nil
		}
		ch.Abort()

		attempt := int(b.Attempt())
		msg := fmt.Sprintf("Open of %s failed: %s (Attempt: %d", ch, err, attempt+1)
		if f.MaxRetryCount >= 0 {
			msg += fmt.Sprintf("/%d", f.MaxRetryCount+1)
		}
		f.DLogf("%s)", msg)
		if ctx.Err() != nil {
			return nil, err
		}
		if f.MaxRetryCount >= 0 && attempt >= f.MaxRetryCount {
			return nil, err
		}
		d := b.Duration()
		f.ILogf("Retrying in %s...", d)
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		}
	}
}

// openOne opens ch within the attempt budget, giving up early if ctx ends
func (f *ChannelFactory) openOne(ctx context.Context, ch Channel) error {
	timeout := f.AttemptTimeout
	if timeout <= 0 {
		timeout = ch.DefaultOpenTimeout()
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	r := ch.BeginOpen(timeout, nil, nil)
	select {
	case <-r.DoneChan():
		return ch.EndOpen(r)
	case <-ctx.Done():
		ch.Abort()
		return ctx.Err()
	}
}
