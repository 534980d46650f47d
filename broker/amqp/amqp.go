// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"github.com/orbitfleet/gateway/broker"
	"github.com/orbitfleet/gateway/types"
)

// BufferSize indicates the maximum number of AMQP messages that should be buffered
var BufferSize = 10

// Routing key formats for connect, disconnect, telemetry, command and ack
// messages. Telemetry, command and ack keys are namespaced by device ID.
var (
	ConnectRoutingKeyFormat    = "connect"
	DisconnectRoutingKeyFormat = "disconnect"
	TelemetryRoutingKeyFormat  = "%s.telemetry"
	CommandRoutingKeyFormat    = "%s.command"
	AckRoutingKeyFormat        = "%s.ack"
)

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// Config contains configuration for AMQP
type Config struct {
	Address      string
	Username     string
	Password     string
	VHost        string
	ExchangeName string
	QueuePrefix  string
	TLSConfig    *tls.Config
	QueueSize    int
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

type subscription struct {
	routingKey string
	handler    func([]byte)
	close      func()

	mu        sync.Mutex
	channel   *amqp.Channel
	tag       string
	cancelled bool
}

// attach records the channel and consumer tag the subscription consumes on.
// It reports false when the subscription was cancelled in the meantime, in
// which case the caller must not start forwarding.
func (s *subscription) attach(channel *amqp.Channel, tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.channel, s.tag = channel, tag
	return true
}

// detach marks the subscription cancelled and returns the consuming channel
// and tag, nil when nothing is consuming.
func (s *subscription) detach() (*amqp.Channel, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return s.channel, s.tag
}

func (s *subscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// AMQP bridges the gateway to an AMQP broker using a topic exchange
type AMQP struct {
	ctx    log.Interface
	config Config

	mu            sync.RWMutex
	conn          *amqp.Connection
	publish       *amqp.Channel
	subscriptions map[string]*subscription
	closing       bool

	queue *broker.PublishQueue
}

// New returns a new AMQP backend
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}
	if config.QueuePrefix == "" {
		config.QueuePrefix = "gateway"
	}
	return &AMQP{
		ctx:           ctx.WithField("Connector", "AMQP"),
		config:        config,
		subscriptions: make(map[string]*subscription),
		queue:         broker.NewPublishQueue(config.QueueSize),
	}, nil
}

func (c *AMQP) dial() (*amqp.Connection, error) {
	if c.config.TLSConfig != nil {
		return amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	}
	return amqp.Dial(c.config.url())
}

func (c *AMQP) connect() error {
	var conn *amqp.Connection
	var err error
	for retries := 0; retries < ConnectRetries; retries++ {
		conn, err = c.dial()
		if err == nil {
			break
		}
		c.ctx.Warnf("Could not connect to AMQP (%s). Retrying...", err.Error())
		<-time.After(ConnectRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("could not connect to AMQP: %w", broker.ErrTransport)
	}

	publish, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := publish.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.publish = publish
	subscriptions := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subscriptions = append(subscriptions, sub)
	}
	c.mu.Unlock()

	for _, sub := range subscriptions {
		if err := c.consume(sub); err != nil {
			c.ctx.WithField("RoutingKey", sub.routingKey).WithError(err).Warn("Could not restore subscription")
		}
	}
	c.flushQueue()

	c.ctx.Info("Connected")
	return nil
}

// Connect to AMQP and keep the connection alive
func (c *AMQP) Connect() error {
	if err := c.connect(); err != nil {
		return err
	}
	go c.monitor()
	return nil
}

// monitor watches the connection and reconnects when it is lost
func (c *AMQP) monitor() {
	for {
		c.mu.RLock()
		conn, closing := c.conn, c.closing
		c.mu.RUnlock()
		if closing || conn == nil {
			return
		}
		errs := make(chan *amqp.Error)
		conn.NotifyClose(errs)
		amqpErr, hasErr := <-errs
		if !hasErr {
			return
		}
		c.mu.RLock()
		closing = c.closing
		c.mu.RUnlock()
		if closing {
			return
		}
		c.ctx.Warnf("Disconnected (%s). Reconnecting...", amqpErr.Error())
		c.mu.Lock()
		c.conn, c.publish = nil, nil
		c.mu.Unlock()
		time.Sleep(ConnectRetryDelay)
		if err := c.connect(); err != nil {
			c.ctx.WithError(err).Error("Could not reconnect")
			return
		}
	}
}

// Disconnect from AMQP
func (c *AMQP) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn, c.publish = nil, nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// consume sets up a queue bound to the subscription's routing key and feeds
// deliveries to its handler
func (c *AMQP) consume(sub *subscription) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return broker.ErrTransport
	}
	channel, err := conn.Channel()
	if err != nil {
		return err
	}
	queueName := fmt.Sprintf("%s.%s", c.config.QueuePrefix, sub.routingKey)
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := channel.QueueBind(queueName, sub.routingKey, c.config.ExchangeName, false, nil); err != nil {
		return err
	}
	deliveries, err := channel.Consume(queueName, queueName, false, false, false, false, nil)
	if err != nil {
		return err
	}
	if !sub.attach(channel, queueName) {
		channel.Close()
		return nil
	}
	go c.forward(sub, deliveries)
	return nil
}

// forward feeds deliveries to the subscription's handler. The subscriber
// channel is closed only after the delivery stream has drained, so a late
// delivery never hits a closed channel.
func (c *AMQP) forward(sub *subscription, deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		sub.handler(delivery.Body)
		delivery.Ack(false)
	}
	if sub.isCancelled() {
		sub.close()
	}
}

func (c *AMQP) subscribe(routingKey string, handler func([]byte), closeSubscriber func()) error {
	var once sync.Once
	sub := &subscription{
		routingKey: routingKey,
		handler:    handler,
		close:      func() { once.Do(closeSubscriber) },
	}
	c.mu.Lock()
	c.subscriptions[routingKey] = sub
	c.mu.Unlock()
	return c.consume(sub)
}

func (c *AMQP) unsubscribe(routingKey string) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[routingKey]
	delete(c.subscriptions, routingKey)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	channel, tag := sub.detach()
	if channel == nil {
		// Nothing is consuming, so no delivery can be in flight.
		sub.close()
		return nil
	}
	// Consumer tags are channel-scoped: cancel on the channel that consumes.
	// The forwarder closes the subscriber channel once the stream ends.
	if err := channel.Cancel(tag, false); err != nil {
		// The channel is gone and the delivery stream already ended.
		sub.close()
	}
	return nil
}

func (c *AMQP) flushQueue() {
	for _, message := range c.queue.Drain() {
		if err := c.publishCommand(message); err != nil {
			c.ctx.WithField("CommandID", message.CommandID).WithError(err).Warn("Could not publish queued command")
		}
	}
}

// SubscribeConnect subscribes to connect messages
func (c *AMQP) SubscribeConnect() (<-chan *types.ConnectMessage, error) {
	messages := make(chan *types.ConnectMessage, BufferSize)
	err := c.subscribe(ConnectRoutingKeyFormat, func(body []byte) {
		var connect types.ConnectMessage
		if err := json.Unmarshal(body, &connect); err != nil {
			c.ctx.WithError(err).Warn("Could not unmarshal connect message")
			return
		}
		connect.Backend = "AMQP"
		select {
		case messages <- &connect:
		default:
			c.ctx.WithField("DeviceID", connect.DeviceID).Warn("Could not handle connect message: buffer full")
		}
	}, func() {
		close(messages)
	})
	return messages, err
}

// UnsubscribeConnect unsubscribes from connect messages
func (c *AMQP) UnsubscribeConnect() error {
	return c.unsubscribe(ConnectRoutingKeyFormat)
}

// SubscribeDisconnect subscribes to disconnect messages
func (c *AMQP) SubscribeDisconnect() (<-chan *types.DisconnectMessage, error) {
	messages := make(chan *types.DisconnectMessage, BufferSize)
	err := c.subscribe(DisconnectRoutingKeyFormat, func(body []byte) {
		var disconnect types.DisconnectMessage
		if err := json.Unmarshal(body, &disconnect); err != nil {
			c.ctx.WithError(err).Warn("Could not unmarshal disconnect message")
			return
		}
		disconnect.Backend = "AMQP"
		select {
		case messages <- &disconnect:
		default:
			c.ctx.WithField("DeviceID", disconnect.DeviceID).Warn("Could not handle disconnect message: buffer full")
		}
	}, func() {
		close(messages)
	})
	return messages, err
}

// UnsubscribeDisconnect unsubscribes from disconnect messages
func (c *AMQP) UnsubscribeDisconnect() error {
	return c.unsubscribe(DisconnectRoutingKeyFormat)
}

// SubscribeTelemetry handles telemetry messages for the given device ID
func (c *AMQP) SubscribeTelemetry(deviceID string) (<-chan *types.TelemetryMessage, error) {
	ctx := c.ctx.WithField("DeviceID", deviceID)
	messages := make(chan *types.TelemetryMessage, BufferSize)
	err := c.subscribe(fmt.Sprintf(TelemetryRoutingKeyFormat, deviceID), func(body []byte) {
		var telemetry types.TelemetryMessage
		if err := json.Unmarshal(body, &telemetry); err != nil {
			ctx.WithError(err).Warn("Could not unmarshal telemetry message")
			return
		}
		telemetry.DeviceID = deviceID
		telemetry.Backend = "AMQP"
		select {
		case messages <- &telemetry:
		default:
			ctx.Warn("Could not handle telemetry message: buffer full")
		}
	}, func() {
		close(messages)
	})
	return messages, err
}

// UnsubscribeTelemetry unsubscribes from telemetry messages for the given device ID
func (c *AMQP) UnsubscribeTelemetry(deviceID string) error {
	return c.unsubscribe(fmt.Sprintf(TelemetryRoutingKeyFormat, deviceID))
}

// SubscribeAck handles acknowledgment messages for the given device ID
func (c *AMQP) SubscribeAck(deviceID string) (<-chan *types.AckMessage, error) {
	ctx := c.ctx.WithField("DeviceID", deviceID)
	messages := make(chan *types.AckMessage, BufferSize)
	err := c.subscribe(fmt.Sprintf(AckRoutingKeyFormat, deviceID), func(body []byte) {
		var ack types.AckMessage
		if err := json.Unmarshal(body, &ack); err != nil {
			ctx.WithError(err).Warn("Could not unmarshal ack message")
			return
		}
		ack.DeviceID = deviceID
		ack.Backend = "AMQP"
		select {
		case messages <- &ack:
		default:
			ctx.Warn("Could not handle ack message: buffer full")
		}
	}, func() {
		close(messages)
	})
	return messages, err
}

// UnsubscribeAck unsubscribes from ack messages for the given device ID
func (c *AMQP) UnsubscribeAck(deviceID string) error {
	return c.unsubscribe(fmt.Sprintf(AckRoutingKeyFormat, deviceID))
}

// PublishCommand publishes a command to the device's command routing key.
// Commands published while disconnected are queued and flushed on reconnect.
func (c *AMQP) PublishCommand(message *types.CommandMessage) error {
	c.mu.RLock()
	publish := c.publish
	c.mu.RUnlock()
	if publish == nil {
		c.queue.Add(message)
		c.ctx.WithField("CommandID", message.CommandID).Debug("Queued command while disconnected")
		return nil
	}
	return c.publishCommand(message)
}

func (c *AMQP) publishCommand(message *types.CommandMessage) error {
	ctx := c.ctx.WithField("DeviceID", message.DeviceID).WithField("CommandID", message.CommandID)
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.mu.RLock()
	publish := c.publish
	c.mu.RUnlock()
	if publish == nil {
		return broker.ErrTransport
	}
	err = publish.Publish(c.config.ExchangeName, fmt.Sprintf(CommandRoutingKeyFormat, message.DeviceID), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		ctx.WithError(err).Warn("Could not publish command message")
		return fmt.Errorf("publish failed (%s): %w", err, broker.ErrTransport)
	}
	ctx.WithField("PayloadSize", len(body)).Debug("Published command message")
	return nil
}

// Dropped delivers the IDs of commands dropped from the publish queue
func (c *AMQP) Dropped() <-chan string {
	return c.queue.Dropped()
}
