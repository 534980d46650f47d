// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"encoding/json"
	"time"
)

// ConnectMessage is published by a device (or the broker on its behalf) when
// it comes online.
type ConnectMessage struct {
	DeviceID string    `json:"device_id"`
	Backend  string    `json:"-"`
	Time     time.Time `json:"time"`
}

// DisconnectMessage is published when a device goes offline.
type DisconnectMessage struct {
	DeviceID string    `json:"device_id"`
	Backend  string    `json:"-"`
	Time     time.Time `json:"time"`
}

// TelemetryMessage carries a device-originated status/data payload. The
// payload is opaque to the gateway; only the timestamp is interpreted.
type TelemetryMessage struct {
	DeviceID string          `json:"device_id"`
	Backend  string          `json:"-"`
	Time     time.Time       `json:"time"`
	Payload  json.RawMessage `json:"payload"`
}

// CommandMessage is an operator-issued instruction routed to one device.
type CommandMessage struct {
	CommandID string          `json:"command_id"`
	DeviceID  string          `json:"device_id"`
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload"`
}

// AckMessage is a device-originated acknowledgment, keyed by command ID.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Backend   string    `json:"-"`
	Time      time.Time `json:"time"`
}
