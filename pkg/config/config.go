// Package config loads the YAML configuration of a communication host: the
// log level, the default lifecycle budgets and the endpoints to serve.
package config

import (
	"fmt"
	"os"

	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
	"gopkg.in/yaml.v2"
)

// Endpoint kinds
const (
	KindTCP       = "tcp"
	KindUnix      = "unix"
	KindWebSocket = "websocket"
	KindSocks     = "socks"
)

// Config is the top level configuration document
type Config struct {
	LogLevel  logger.LogLevel       `yaml:"log_level"`
	Timeouts  commobj.TimeoutPolicy `yaml:"timeouts"`
	Endpoints []EndpointConfig      `yaml:"endpoints"`
}

// EndpointConfig describes one hosted listener
type EndpointConfig struct {
	Name string `yaml:"name"`

	// Kind is one of tcp, unix, websocket or socks
	Kind string `yaml:"kind"`

	// Address is host:port, or a socket path for unix
	Address string `yaml:"address"`

	// Path is the HTTP path of a websocket endpoint; defaults to "/"
	Path string `yaml:"path"`

	// MaxConnections limits concurrent connections of a tcp endpoint
	MaxConnections int `yaml:"max_connections"`

	// Target, if set, is a tcp address every accepted connection is
	// forwarded to. Otherwise the endpoint echoes. Ignored for socks.
	Target string `yaml:"target"`
}

// Default returns a configuration with no endpoints
func Default() *Config {
	return &Config{
		LogLevel: logger.LogLevelInfo,
		Timeouts: commobj.DefaultTimeoutPolicy(),
	}
}

// Parse decodes a YAML document, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and parses the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read configuration: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == logger.LogLevelUnknown {
		c.LogLevel = logger.LogLevelInfo
	}
	c.Timeouts = c.Timeouts.WithDefaults()
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("%s#%d", ep.Kind, i)
		}
		if ep.Kind == KindWebSocket && ep.Path == "" {
			ep.Path = "/"
		}
	}
}

// Validate checks that every endpoint is complete and names are unique
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for _, ep := range c.Endpoints {
		switch ep.Kind {
		case KindTCP, KindUnix, KindWebSocket, KindSocks:
		default:
			return fmt.Errorf("endpoint %q: unknown kind %q", ep.Name, ep.Kind)
		}
		if ep.Address == "" {
			return fmt.Errorf("endpoint %q: address is required", ep.Name)
		}
		if ep.MaxConnections < 0 {
			return fmt.Errorf("endpoint %q: max_connections may not be negative", ep.Name)
		}
		if names[ep.Name] {
			return fmt.Errorf("endpoint %q: duplicate name", ep.Name)
		}
		names[ep.Name] = true
	}
	return nil
}
