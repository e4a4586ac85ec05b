package servicehost

import (
	"github.com/sammck-go/commobj/pkg/commchan"
	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/config"
	"github.com/sammck-go/commobj/pkg/logger"
)

// NewFromConfig builds a ServiceHost with one ListenerHost per configured
// endpoint. Every object created gets the configured default budgets.
func NewFromConfig(lg logger.Logger, cfg *config.Config) (*ServiceHost, error) {
	host := NewServiceHost(lg, "ServiceHost")
	host.SetTimeouts(cfg.Timeouts)
	for _, ep := range cfg.Endpoints {
		epLogger := lg.Fork("%s", ep.Name)
		listener, err := newListener(epLogger, ep)
		if err != nil {
			return nil, err
		}
		listener.SetTimeouts(cfg.Timeouts)

		handler, err := newHandler(epLogger, ep)
		if err != nil {
			return nil, err
		}
		lh := NewListenerHost(epLogger, listener, handler)
		lh.SetTimeouts(cfg.Timeouts)
		if err := host.Add(lh); err != nil {
			return nil, err
		}
	}
	return host, nil
}

// timedListener is a Listener whose default budgets can be configured
type timedListener interface {
	commchan.Listener
	SetTimeouts(p commobj.TimeoutPolicy)
}

func newListener(lg logger.Logger, ep config.EndpointConfig) (timedListener, error) {
	switch ep.Kind {
	case config.KindTCP, config.KindSocks:
		return commchan.NewSocketListener(lg, "tcp", ep.Address, ep.MaxConnections), nil
	case config.KindUnix:
		return commchan.NewUnixListener(lg, ep.Address), nil
	case config.KindWebSocket:
		return commchan.NewWebSocketListener(lg, ep.Address, ep.Path), nil
	}
	return nil, lg.Errorf("Unknown endpoint kind %q", ep.Kind)
}

func newHandler(lg logger.Logger, ep config.EndpointConfig) (ChannelHandler, error) {
	if ep.Kind == config.KindSocks {
		return NewSocksHandler(lg)
	}
	if ep.Target == "" {
		return EchoHandler, nil
	}
	target := ep.Target
	factory := commchan.NewChannelFactory(lg, func() commchan.Channel {
		return commchan.NewSocketChannel(lg, "tcp", target)
	})
	factory.MaxRetryCount = 3
	return NewForwardHandler(lg, factory), nil
}
