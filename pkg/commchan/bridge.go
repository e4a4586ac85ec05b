package commchan

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/commobj/pkg/logger"
)

var lastBridgeNum atomic.Int64

// BridgeChannels connects two opened Channels, copying between them in both
// directions until end-of-stream is reached both ways. CloseWrite is called on
// each channel once transfer toward it is complete. Both channels are closed
// before returning; if ctx ends first, both are aborted instead.
//
// Returns the bytes copied from caller to service, the bytes copied from
// service to caller, and the first copy error in either direction.
func BridgeChannels(
	ctx context.Context,
	lg logger.Logger,
	caller Channel,
	service Channel,
) (int64, int64, error) {
	bridgeNum := lastBridgeNum.Add(1)
	lg = lg.Fork("Bridge#%d (%s->%s)", bridgeNum, caller, service)
	lg.DLogf("Starting")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			lg.DLogf("Context done; aborting both channels")
			caller.Abort()
			service.Abort()
		case <-stop:
		}
	}()

	var toService, toCaller int64
	var toServiceErr, toCallerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	copyFunc := func(src Channel, dst Channel, n *int64, copyErr *error) {
		defer wg.Done()
		*n, *copyErr = io.Copy(dst, src)
		if *copyErr != nil {
			lg.DLogf("Copy %s->%s failed: %s", src, dst, *copyErr)
		}
		dst.CloseWrite()
	}
	go copyFunc(caller, service, &toService, &toServiceErr)
	go copyFunc(service, caller, &toCaller, &toCallerErr)
	wg.Wait()

	service.CloseDefault()
	caller.CloseDefault()

	err := toServiceErr
	if err == nil {
		err = toCallerErr
	}
	lg.DLogf("Done, sent %s received %s", sizestr.ToString(toService), sizestr.ToString(toCaller))
	return toService, toCaller, err
}
