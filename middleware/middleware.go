// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package middleware implements a chain of filters applied to inbound broker
// events before the tracker acts on them. A middleware only has to implement
// the handlers for the event kinds it cares about.
package middleware

import (
	"github.com/orbitfleet/gateway/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Execute the chain
func (c Chain) Execute(ctx Context, msg interface{}) error {
	switch msg := msg.(type) {
	case *types.ConnectMessage:
		return c.filterConnect().Execute(ctx, msg)
	case *types.DisconnectMessage:
		return c.filterDisconnect().Execute(ctx, msg)
	case *types.TelemetryMessage:
		return c.filterTelemetry().Execute(ctx, msg)
	case *types.AckMessage:
		return c.filterAck().Execute(ctx, msg)
	}
	return nil
}

// Connect middleware
type Connect interface {
	HandleConnect(Context, *types.ConnectMessage) error
}

type connectChain []Connect

func (c connectChain) Execute(ctx Context, msg *types.ConnectMessage) error {
	for _, middleware := range c {
		err := middleware.HandleConnect(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterConnect() (filtered connectChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Connect); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Disconnect middleware
type Disconnect interface {
	HandleDisconnect(Context, *types.DisconnectMessage) error
}

type disconnectChain []Disconnect

func (c disconnectChain) Execute(ctx Context, msg *types.DisconnectMessage) error {
	for _, middleware := range c {
		err := middleware.HandleDisconnect(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterDisconnect() (filtered disconnectChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Disconnect); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Telemetry middleware
type Telemetry interface {
	HandleTelemetry(Context, *types.TelemetryMessage) error
}

type telemetryChain []Telemetry

func (c telemetryChain) Execute(ctx Context, msg *types.TelemetryMessage) error {
	for _, middleware := range c {
		err := middleware.HandleTelemetry(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterTelemetry() (filtered telemetryChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Telemetry); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Ack middleware
type Ack interface {
	HandleAck(Context, *types.AckMessage) error
}

type ackChain []Ack

func (c ackChain) Execute(ctx Context, msg *types.AckMessage) error {
	for _, middleware := range c {
		err := middleware.HandleAck(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterAck() (filtered ackChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Ack); ok {
			filtered = append(filtered, c)
		}
	}
	return
}
