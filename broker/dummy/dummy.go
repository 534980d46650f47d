// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package dummy implements an in-memory broker backend for tests and local
// development. The Publish* helpers play the role of devices.
package dummy

import (
	"sync"

	"github.com/apex/log"

	"github.com/orbitfleet/gateway/broker"
	"github.com/orbitfleet/gateway/types"
)

// BufferSize indicates the maximum number of dummy messages that should be buffered
var BufferSize = 10

type dummyDevice struct {
	sync.Mutex
	telemetry chan *types.TelemetryMessage
	ack       chan *types.AckMessage
	commands  chan *types.CommandMessage
}

// Dummy backend
type Dummy struct {
	mu         sync.Mutex
	ctx        log.Interface
	connect    chan *types.ConnectMessage
	disconnect chan *types.DisconnectMessage
	devices    map[string]*dummyDevice
	dropped    chan string

	// PublishError, when set, is returned by PublishCommand to simulate an
	// unreachable broker.
	PublishError error
}

// New returns a new Dummy backend
func New(ctx log.Interface) *Dummy {
	return &Dummy{
		ctx:     ctx.WithField("Connector", "Dummy"),
		devices: make(map[string]*dummyDevice),
		dropped: make(chan string, BufferSize),
	}
}

// Connect implements the backend interface
func (d *Dummy) Connect() error {
	d.ctx.Debug("Connected")
	return nil
}

// Disconnect implements the backend interface
func (d *Dummy) Disconnect() error {
	d.ctx.Debug("Disconnected")
	return nil
}

// PublishConnect publishes connect messages to the dummy backend
func (d *Dummy) PublishConnect(message *types.ConnectMessage) error {
	select {
	case d.connect <- message:
		d.ctx.Debug("Published connect")
	default:
		d.ctx.Debug("Did not publish connect [buffer full]")
	}
	return nil
}

// SubscribeConnect implements the backend interface
func (d *Dummy) SubscribeConnect() (<-chan *types.ConnectMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connect = make(chan *types.ConnectMessage, BufferSize)
	d.ctx.Debug("Subscribed to connect")
	return d.connect, nil
}

// UnsubscribeConnect implements the backend interface
func (d *Dummy) UnsubscribeConnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.connect)
	d.connect = nil
	d.ctx.Debug("Unsubscribed from connect")
	return nil
}

// PublishDisconnect publishes disconnect messages to the dummy backend
func (d *Dummy) PublishDisconnect(message *types.DisconnectMessage) error {
	select {
	case d.disconnect <- message:
		d.ctx.Debug("Published disconnect")
	default:
		d.ctx.Debug("Did not publish disconnect [buffer full]")
	}
	return nil
}

// SubscribeDisconnect implements the backend interface
func (d *Dummy) SubscribeDisconnect() (<-chan *types.DisconnectMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnect = make(chan *types.DisconnectMessage, BufferSize)
	d.ctx.Debug("Subscribed to disconnect")
	return d.disconnect, nil
}

// UnsubscribeDisconnect implements the backend interface
func (d *Dummy) UnsubscribeDisconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.disconnect)
	d.disconnect = nil
	d.ctx.Debug("Unsubscribed from disconnect")
	return nil
}

func (d *Dummy) getDevice(deviceID string) *dummyDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	if device, ok := d.devices[deviceID]; ok {
		return device
	}
	d.devices[deviceID] = &dummyDevice{
		telemetry: make(chan *types.TelemetryMessage, BufferSize),
		ack:       make(chan *types.AckMessage, BufferSize),
		commands:  make(chan *types.CommandMessage, BufferSize),
	}
	return d.devices[deviceID]
}

// PublishTelemetry publishes telemetry messages to the dummy backend
func (d *Dummy) PublishTelemetry(message *types.TelemetryMessage) error {
	select {
	case d.getDevice(message.DeviceID).telemetry <- message:
		d.ctx.WithField("DeviceID", message.DeviceID).Debug("Published telemetry")
	default:
		d.ctx.WithField("DeviceID", message.DeviceID).Debug("Did not publish telemetry [buffer full]")
	}
	return nil
}

// SubscribeTelemetry implements the backend interface
func (d *Dummy) SubscribeTelemetry(deviceID string) (<-chan *types.TelemetryMessage, error) {
	device := d.getDevice(deviceID)
	device.Lock()
	defer device.Unlock()
	device.telemetry = make(chan *types.TelemetryMessage, BufferSize)
	d.ctx.WithField("DeviceID", deviceID).Debug("Subscribed to telemetry")
	return device.telemetry, nil
}

// UnsubscribeTelemetry implements the backend interface
func (d *Dummy) UnsubscribeTelemetry(deviceID string) error {
	device := d.getDevice(deviceID)
	device.Lock()
	defer device.Unlock()
	close(device.telemetry)
	device.telemetry = nil
	d.ctx.WithField("DeviceID", deviceID).Debug("Unsubscribed from telemetry")
	return nil
}

// PublishAck publishes acknowledgment messages to the dummy backend
func (d *Dummy) PublishAck(message *types.AckMessage) error {
	select {
	case d.getDevice(message.DeviceID).ack <- message:
		d.ctx.WithField("DeviceID", message.DeviceID).Debug("Published ack")
	default:
		d.ctx.WithField("DeviceID", message.DeviceID).Debug("Did not publish ack [buffer full]")
	}
	return nil
}

// SubscribeAck implements the backend interface
func (d *Dummy) SubscribeAck(deviceID string) (<-chan *types.AckMessage, error) {
	device := d.getDevice(deviceID)
	device.Lock()
	defer device.Unlock()
	device.ack = make(chan *types.AckMessage, BufferSize)
	d.ctx.WithField("DeviceID", deviceID).Debug("Subscribed to ack")
	return device.ack, nil
}

// UnsubscribeAck implements the backend interface
func (d *Dummy) UnsubscribeAck(deviceID string) error {
	device := d.getDevice(deviceID)
	device.Lock()
	defer device.Unlock()
	close(device.ack)
	device.ack = nil
	d.ctx.WithField("DeviceID", deviceID).Debug("Unsubscribed from ack")
	return nil
}

// PublishCommand implements the backend interface. Tests observe delivered
// commands via Commands.
func (d *Dummy) PublishCommand(message *types.CommandMessage) error {
	if d.PublishError != nil {
		return d.PublishError
	}
	select {
	case d.getDevice(message.DeviceID).commands <- message:
		d.ctx.WithField("DeviceID", message.DeviceID).Debug("Published command")
	default:
		d.ctx.WithField("DeviceID", message.DeviceID).Debug("Did not publish command [buffer full]")
	}
	return nil
}

// Commands returns the channel on which commands for the given device are
// delivered
func (d *Dummy) Commands(deviceID string) <-chan *types.CommandMessage {
	return d.getDevice(deviceID).commands
}

// DropCommand simulates a queue-overflow drop of the given command
func (d *Dummy) DropCommand(commandID string) {
	select {
	case d.dropped <- commandID:
	default:
	}
}

// Dropped implements the backend interface
func (d *Dummy) Dropped() <-chan string {
	return d.dropped
}

// CleanupDevice discards the per-device channels
func (d *Dummy) CleanupDevice(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, deviceID)
}

var _ broker.Backend = (*Dummy)(nil)
