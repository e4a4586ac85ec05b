package commchan

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
)

// MQTTMessage is one message received on a subscribed topic
type MQTTMessage struct {
	Topic   string
	Payload []byte
}

// MQTTConfig describes the broker connection of an MQTTChannel
type MQTTConfig struct {
	// Broker is the broker url, e.g. "tcp://localhost:1883"
	Broker   string
	ClientID string
	Username string
	Password string

	// KeepAlive defaults to 10s
	KeepAlive time.Duration

	// Quiesce is how long Close lets in-flight work finish; defaults to 250ms
	Quiesce time.Duration

	// Topics are subscribed right after connecting
	Topics []string
	QoS    byte
}

// MQTTChannel is a message channel to an MQTT broker. OnOpen connects and
// subscribes; OnClose disconnects after a quiesce period. Losing the broker
// connection while opened faults the channel; the paho client's own
// reconnect logic is disabled, since a faulted endpoint is replaced, not
// repaired.
type MQTTChannel struct {
	BasicEndpoint
	config   MQTTConfig
	client   resourceSlot[mqtt.Client]
	messages chan MQTTMessage
}

// NewMQTTChannel creates an MQTTChannel. Received messages are queued on
// Messages(); a full queue blocks the paho client.
func NewMQTTChannel(lg logger.Logger, config MQTTConfig) *MQTTChannel {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 10 * time.Second
	}
	if config.Quiesce <= 0 {
		config.Quiesce = 250 * time.Millisecond
	}
	c := &MQTTChannel{
		config:   config,
		messages: make(chan MQTTMessage, 64),
	}
	c.InitBasicEndpoint(lg, c, "MQTTChannel(%s)", config.Broker)
	return c
}

// OnOpen connects to the broker and subscribes to the configured topics
func (c *MQTTChannel) OnOpen(ctx context.Context, timeout time.Duration) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(false)
	opts.Username = c.config.Username
	opts.Password = c.config.Password
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.WLogf("MQTT connection lost")
		c.Fault(fmt.Errorf("broker connection lost: %w", err))
	})
	opts.SetDefaultPublishHandler(c.handleMessage)

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return c.Errorf("Connect failed: %w", err)
	}
	if !c.client.set(client) {
		client.Disconnect(0)
		return c.Errorf("Aborted while connecting")
	}
	for _, topic := range c.config.Topics {
		if err := waitToken(ctx, client.Subscribe(topic, c.config.QoS, c.handleMessage)); err != nil {
			return c.Errorf("Subscribe to \"%s\" failed: %w", topic, err)
		}
	}
	c.DLogf("Connected to broker")
	return nil
}

// OnClose disconnects from the broker, waiting up to the quiesce period
func (c *MQTTChannel) OnClose(ctx context.Context, timeout time.Duration) error {
	if client, ok := c.client.take(); ok {
		quiesce := c.config.Quiesce
		if quiesce > timeout {
			quiesce = timeout
		}
		client.Disconnect(uint(quiesce / time.Millisecond))
		c.DLogf("Disconnected (%s)", c.StatsString())
	}
	return nil
}

// OnAbort disconnects immediately
func (c *MQTTChannel) OnAbort() {
	if client, ok := c.client.take(); ok {
		client.Disconnect(0)
	}
}

// Publish sends payload to topic and waits for the broker to acknowledge it
// according to qos
func (c *MQTTChannel) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := c.EnsureOpened("Publish"); err != nil {
		return err
	}
	client, ok := c.client.get()
	if !ok {
		return &commobj.InvalidStateError{Object: c.String(), Op: "Publish", State: c.State()}
	}
	if err := waitToken(ctx, client.Publish(topic, qos, false, payload)); err != nil {
		return c.faultOnIOError("Publish", err)
	}
	c.countWritten(len(payload))
	return nil
}

// Messages returns the queue of received messages
func (c *MQTTChannel) Messages() <-chan MQTTMessage {
	return c.messages
}

func (c *MQTTChannel) handleMessage(client mqtt.Client, msg mqtt.Message) {
	if c.EnsureOpened("Receive") != nil {
		return
	}
	c.countRead(len(msg.Payload()))
	select {
	case c.messages <- MQTTMessage{Topic: msg.Topic(), Payload: msg.Payload()}:
	case <-c.StoppedChan():
	}
}

// waitToken waits for a paho token to complete or ctx to end
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
