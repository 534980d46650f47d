// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package broker defines the contract between the gateway and the pub/sub
// transport that carries device traffic.
package broker

import (
	"errors"

	"github.com/orbitfleet/gateway/types"
)

// ErrTransport is returned when the broker cannot be reached for a publish
var ErrTransport = errors.New("broker transport unavailable")

// ErrDropped indicates that a buffered command was dropped on queue overflow.
// The command router attaches it when it fails a dropped command.
var ErrDropped = errors.New("command dropped from publish queue")

// Backend bridges the gateway to one broker. Subscriptions deliver messages
// on buffered channels, at least once, in order per topic; messages that
// arrive while a channel is full are dropped with a warning.
//
// Commands published while the broker connection is down are held in a
// bounded queue and flushed on reconnect. When the queue overflows, the
// oldest command is dropped and its ID is sent on the Dropped channel so the
// command router can mark it failed.
type Backend interface {
	Connect() error
	Disconnect() error

	SubscribeConnect() (<-chan *types.ConnectMessage, error)
	UnsubscribeConnect() error
	SubscribeDisconnect() (<-chan *types.DisconnectMessage, error)
	UnsubscribeDisconnect() error

	SubscribeTelemetry(deviceID string) (<-chan *types.TelemetryMessage, error)
	UnsubscribeTelemetry(deviceID string) error
	SubscribeAck(deviceID string) (<-chan *types.AckMessage, error)
	UnsubscribeAck(deviceID string) error

	PublishCommand(message *types.CommandMessage) error
	Dropped() <-chan string
}
