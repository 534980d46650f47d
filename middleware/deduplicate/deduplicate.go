// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"bytes"
	"errors"
	"sync"

	"github.com/orbitfleet/gateway/middleware"
	"github.com/orbitfleet/gateway/types"
)

// ErrDuplicateMessage is returned when a telemetry message is received multiple times
var ErrDuplicateMessage = errors.New("deduplicate: already handled this message")

// NewDeduplicate returns a middleware that drops exact replays of telemetry
// messages sent by misbehaving devices. Replays carry the same timestamp and
// payload as the previous message from the same device.
func NewDeduplicate() *Deduplicate {
	return &Deduplicate{
		lastMessage: make(map[string]*types.TelemetryMessage),
	}
}

// Deduplicate middleware
type Deduplicate struct {
	mu          sync.Mutex
	lastMessage map[string]*types.TelemetryMessage
}

// HandleDisconnect cleans up
func (d *Deduplicate) HandleDisconnect(ctx middleware.Context, msg *types.DisconnectMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastMessage, msg.DeviceID)
	return nil
}

// HandleTelemetry blocks duplicate messages
func (d *Deduplicate) HandleTelemetry(_ middleware.Context, msg *types.TelemetryMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lastMessage, ok := d.lastMessage[msg.DeviceID]; ok {
		if msg.Time.Equal(lastMessage.Time) && bytes.Equal(msg.Payload, lastMessage.Payload) {
			return ErrDuplicateMessage
		}
	}
	d.lastMessage[msg.DeviceID] = msg
	return nil
}
