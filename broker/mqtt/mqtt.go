// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/orbitfleet/gateway/broker"
	"github.com/orbitfleet/gateway/types"
)

// PublishTimeout is how long a publish may take before it is reported as a
// transport failure
var PublishTimeout = time.Second

// QoS indicates the MQTT Quality of Service level.
// 0: The broker/client will deliver the message once, with no confirmation.
// 1: The broker/client will deliver the message at least once, with confirmation required.
// 2: The broker/client will deliver the message exactly once by using a four step handshake.
var (
	PublishQoS   byte = 0x01
	SubscribeQoS byte = 0x01
)

// BufferSize indicates the maximum number of MQTT messages that should be buffered
var BufferSize = 10

// Topic formats for connect, disconnect, telemetry, command and ack messages.
// Telemetry, command and ack topics are namespaced by device ID, so a device
// only subscribes and publishes under its own namespace.
var (
	ConnectTopicFormat    = "connect"
	DisconnectTopicFormat = "disconnect"
	TelemetryTopicFormat  = "%s/telemetry"
	CommandTopicFormat    = "%s/command"
	AckTopicFormat        = "%s/ack"
)

// Config contains configuration for MQTT
type Config struct {
	Brokers   []string
	Username  string
	Password  string
	TLSConfig *tls.Config
	QueueSize int
}

type subscription struct {
	handler paho.MessageHandler
	cancel  func()
}

// MQTT bridges the gateway to an MQTT broker
type MQTT struct {
	ctx           log.Interface
	client        paho.Client
	subscriptions map[string]subscription
	mu            sync.Mutex
	queue         *broker.PublishQueue
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// New returns a new MQTT backend
func New(config Config, ctx log.Interface) (*MQTT, error) {
	mqtt := new(MQTT)

	mqtt.ctx = ctx.WithField("Connector", "MQTT")
	mqtt.queue = broker.NewPublishQueue(config.QueueSize)

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	mqttOpts.SetClientID(fmt.Sprintf("gateway-%s", uuid.NewString()[:8]))
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.Warnf("Received unhandled message on MQTT: %v", msg)
	})

	mqtt.subscriptions = make(map[string]subscription)
	var reconnecting bool
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.Warnf("Disconnected (%s). Reconnecting...", err.Error())
		reconnecting = true
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.ctx.Info("Connected")
		if reconnecting {
			mqtt.resubscribe()
			reconnecting = false
		}
		mqtt.flushQueue()
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

// Connect to MQTT
func (c *MQTT) Connect() error {
	var err error
	for retries := 0; retries < ConnectRetries; retries++ {
		token := c.client.Connect()
		finished := token.WaitTimeout(1 * time.Second)
		if !finished {
			c.ctx.Warn("MQTT connection took longer than expected...")
			token.Wait()
		}
		err = token.Error()
		if err == nil {
			break
		}
		c.ctx.Warnf("Could not connect to MQTT (%s). Retrying...", err.Error())
		<-time.After(ConnectRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("could not connect to MQTT: %w", broker.ErrTransport)
	}
	return nil
}

// Disconnect from MQTT
func (c *MQTT) Disconnect() error {
	c.client.Disconnect(100)
	return nil
}

func (c *MQTT) subscribe(topic string, handler paho.MessageHandler, cancel func()) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	wrappedHandler := func(client paho.Client, msg paho.Message) {
		if msg.Retained() {
			c.ctx.WithField("Topic", msg.Topic()).Debug("Ignore retained message")
			return
		}
		handler(client, msg)
	}
	c.subscriptions[topic] = subscription{wrappedHandler, cancel}
	return c.client.Subscribe(topic, SubscribeQoS, wrappedHandler)
}

func (c *MQTT) resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, subscription := range c.subscriptions {
		c.client.Subscribe(topic, SubscribeQoS, subscription.handler)
	}
}

func (c *MQTT) unsubscribe(topic string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subscription, ok := c.subscriptions[topic]; ok && subscription.cancel != nil {
		subscription.cancel()
	}
	delete(c.subscriptions, topic)
	return c.client.Unsubscribe(topic)
}

func (c *MQTT) flushQueue() {
	for _, message := range c.queue.Drain() {
		if err := c.publishCommand(message); err != nil {
			c.ctx.WithField("CommandID", message.CommandID).WithError(err).Warn("Could not publish queued command")
		}
	}
}

// SubscribeConnect subscribes to connect messages
func (c *MQTT) SubscribeConnect() (<-chan *types.ConnectMessage, error) {
	messages := make(chan *types.ConnectMessage, BufferSize)
	token := c.subscribe(ConnectTopicFormat, func(_ paho.Client, msg paho.Message) {
		var connect types.ConnectMessage
		if err := json.Unmarshal(msg.Payload(), &connect); err != nil {
			c.ctx.WithError(err).Warn("Could not unmarshal connect message")
			return
		}
		connect.Backend = "MQTT"
		ctx := c.ctx.WithField("DeviceID", connect.DeviceID)
		select {
		case messages <- &connect:
			ctx.Debug("Received connect message")
		default:
			ctx.Warn("Could not handle connect message: buffer full")
		}
	}, func() {
		close(messages)
	})
	token.Wait()
	return messages, token.Error()
}

// UnsubscribeConnect unsubscribes from connect messages
func (c *MQTT) UnsubscribeConnect() error {
	token := c.unsubscribe(ConnectTopicFormat)
	token.Wait()
	return token.Error()
}

// SubscribeDisconnect subscribes to disconnect messages
func (c *MQTT) SubscribeDisconnect() (<-chan *types.DisconnectMessage, error) {
	messages := make(chan *types.DisconnectMessage, BufferSize)
	token := c.subscribe(DisconnectTopicFormat, func(_ paho.Client, msg paho.Message) {
		var disconnect types.DisconnectMessage
		if err := json.Unmarshal(msg.Payload(), &disconnect); err != nil {
			c.ctx.WithError(err).Warn("Could not unmarshal disconnect message")
			return
		}
		disconnect.Backend = "MQTT"
		ctx := c.ctx.WithField("DeviceID", disconnect.DeviceID)
		select {
		case messages <- &disconnect:
			ctx.Debug("Received disconnect message")
		default:
			ctx.Warn("Could not handle disconnect message: buffer full")
		}
	}, func() {
		close(messages)
	})
	token.Wait()
	return messages, token.Error()
}

// UnsubscribeDisconnect unsubscribes from disconnect messages
func (c *MQTT) UnsubscribeDisconnect() error {
	token := c.unsubscribe(DisconnectTopicFormat)
	token.Wait()
	return token.Error()
}

// SubscribeTelemetry handles telemetry messages for the given device ID
func (c *MQTT) SubscribeTelemetry(deviceID string) (<-chan *types.TelemetryMessage, error) {
	ctx := c.ctx.WithField("DeviceID", deviceID)
	messages := make(chan *types.TelemetryMessage, BufferSize)
	token := c.subscribe(fmt.Sprintf(TelemetryTopicFormat, deviceID), func(_ paho.Client, msg paho.Message) {
		telemetry := types.TelemetryMessage{
			DeviceID: deviceID,
			Backend:  "MQTT",
		}
		if err := json.Unmarshal(msg.Payload(), &telemetry); err != nil {
			ctx.WithError(err).Warn("Could not unmarshal telemetry message")
			return
		}
		telemetry.DeviceID = deviceID
		select {
		case messages <- &telemetry:
			ctx.WithField("PayloadSize", len(msg.Payload())).Debug("Received telemetry message")
		default:
			ctx.Warn("Could not handle telemetry message: buffer full")
		}
	}, func() {
		close(messages)
	})
	token.Wait()
	return messages, token.Error()
}

// UnsubscribeTelemetry unsubscribes from telemetry messages for the given device ID
func (c *MQTT) UnsubscribeTelemetry(deviceID string) error {
	token := c.unsubscribe(fmt.Sprintf(TelemetryTopicFormat, deviceID))
	token.Wait()
	return token.Error()
}

// SubscribeAck handles acknowledgment messages for the given device ID
func (c *MQTT) SubscribeAck(deviceID string) (<-chan *types.AckMessage, error) {
	ctx := c.ctx.WithField("DeviceID", deviceID)
	messages := make(chan *types.AckMessage, BufferSize)
	token := c.subscribe(fmt.Sprintf(AckTopicFormat, deviceID), func(_ paho.Client, msg paho.Message) {
		ack := types.AckMessage{
			DeviceID: deviceID,
			Backend:  "MQTT",
		}
		if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
			ctx.WithError(err).Warn("Could not unmarshal ack message")
			return
		}
		ack.DeviceID = deviceID
		select {
		case messages <- &ack:
			ctx.WithField("CommandID", ack.CommandID).Debug("Received ack message")
		default:
			ctx.Warn("Could not handle ack message: buffer full")
		}
	}, func() {
		close(messages)
	})
	token.Wait()
	return messages, token.Error()
}

// UnsubscribeAck unsubscribes from ack messages for the given device ID
func (c *MQTT) UnsubscribeAck(deviceID string) error {
	token := c.unsubscribe(fmt.Sprintf(AckTopicFormat, deviceID))
	token.Wait()
	return token.Error()
}

// PublishCommand publishes a command to the device's command topic. Commands
// published while disconnected are queued and flushed on reconnect.
func (c *MQTT) PublishCommand(message *types.CommandMessage) error {
	if !c.client.IsConnected() {
		c.queue.Add(message)
		c.ctx.WithField("CommandID", message.CommandID).Debug("Queued command while disconnected")
		return nil
	}
	return c.publishCommand(message)
}

func (c *MQTT) publishCommand(message *types.CommandMessage) error {
	ctx := c.ctx.WithField("DeviceID", message.DeviceID).WithField("CommandID", message.CommandID)
	msg, err := json.Marshal(message)
	if err != nil {
		return err
	}
	token := c.client.Publish(fmt.Sprintf(CommandTopicFormat, message.DeviceID), PublishQoS, false, msg)
	if finished := token.WaitTimeout(PublishTimeout); !finished {
		ctx.Warn("Publish took longer than expected")
		return fmt.Errorf("publish timed out: %w", broker.ErrTransport)
	}
	if err := token.Error(); err != nil {
		ctx.WithError(err).Warn("Could not publish command message")
		return fmt.Errorf("publish failed (%s): %w", err, broker.ErrTransport)
	}
	ctx.WithField("PayloadSize", len(msg)).Debug("Published command message")
	return nil
}

// Dropped delivers the IDs of commands dropped from the publish queue
func (c *MQTT) Dropped() <-chan string {
	return c.queue.Dropped()
}
