// commhost serves the endpoints described by a YAML configuration file until
// it is interrupted or one of its endpoints fails. With --connect it instead
// bridges stdin and stdout to a single tcp address.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/sammck-go/commobj/pkg/commchan"
	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/config"
	"github.com/sammck-go/commobj/pkg/logger"
	"github.com/sammck-go/commobj/pkg/servicehost"
)

var version = "0.1.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "commhost: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("commhost", flag.ContinueOnError)

	var configPath, logLevel, connect string
	var openTimeout, closeTimeout, abortTimeout time.Duration
	var retries int
	var showVersion bool
	fs.StringVarP(&configPath, "config", "c", "commhost.yaml", "Configuration file")
	fs.StringVarP(&logLevel, "log-level", "l", "", "Override the configured log level")
	fs.DurationVar(&openTimeout, "open-timeout", 0, "Override the configured open timeout")
	fs.DurationVar(&closeTimeout, "close-timeout", 0, "Override the configured close timeout")
	fs.DurationVar(&abortTimeout, "abort-timeout", 0, "Override the configured abort timeout")
	fs.StringVar(&connect, "connect", "", "Bridge stdin/stdout to this tcp address instead of serving")
	fs.IntVar(&retries, "retries", 0, "Connect retries with backoff; negative retries forever")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("commhost %s\n", version)
		return nil
	}

	var cfg *config.Config
	if connect != "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if logLevel != "" {
		if err := cfg.LogLevel.FromString(logLevel); err != nil {
			return err
		}
	}
	if fs.Changed("open-timeout") {
		cfg.Timeouts.OpenTimeout = openTimeout
	}
	if fs.Changed("close-timeout") {
		cfg.Timeouts.CloseTimeout = closeTimeout
	}
	if fs.Changed("abort-timeout") {
		cfg.Timeouts.AbortTimeout = abortTimeout
	}
	cfg.Timeouts = cfg.Timeouts.WithDefaults()

	lg, err := logger.New(logger.WithPrefix("commhost"), logger.WithLogLevel(cfg.LogLevel))
	if err != nil {
		return err
	}

	if connect != "" {
		return runConnect(ctx, lg, cfg.Timeouts, connect, retries)
	}
	return runHost(ctx, lg, cfg)
}

func runHost(ctx context.Context, lg logger.Logger, cfg *config.Config) error {
	host, err := servicehost.NewFromConfig(lg, cfg)
	if err != nil {
		return err
	}
	stopped := make(chan struct{}, 1)
	host.AddObserver(func(state commobj.CommunicationState) {
		if state == commobj.StateFaulted || state == commobj.StateClosed {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
	})
	if err := host.OpenDefault(); err != nil {
		host.Abort()
		return lg.Errorf("Unable to start: %w", err)
	}
	lg.ILogf("Serving %d endpoints", len(host.Children()))

	select {
	case <-ctx.Done():
		lg.ILogf("Interrupted; shutting down")
	case <-stopped:
	}

	if cause := host.FaultCause(); cause != nil {
		host.Abort()
		return lg.Errorf("Host faulted: %w", cause)
	}
	return host.CloseDefault()
}

func runConnect(ctx context.Context, lg logger.Logger, timeouts commobj.TimeoutPolicy, address string, retries int) error {
	factory := commchan.NewChannelFactory(lg, func() commchan.Channel {
		ch := commchan.NewSocketChannel(lg, "tcp", address)
		ch.SetTimeouts(timeouts)
		return ch
	})
	factory.MaxRetryCount = retries
	remote, err := factory.Open(ctx)
	if err != nil {
		return err
	}

	stdio := commchan.NewStdioChannel(lg)
	stdio.SetTimeouts(timeouts)
	if err := stdio.OpenDefault(); err != nil {
		remote.Abort()
		return err
	}
	sent, received, err := commchan.BridgeChannels(ctx, lg, stdio, remote)
	lg.DLogf("Sent %d bytes, received %d bytes", sent, received)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
