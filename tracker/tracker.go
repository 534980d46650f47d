// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package tracker consumes connectivity, telemetry and acknowledgment events
// from the broker backends and maintains each device's live state.
//
// The state machine per device is unknown -> online (first connectivity or
// telemetry event) -> offline (explicit disconnect or missed-heartbeat
// timeout) -> online (reconnect). Sessions are ephemeral: they are
// reconstructed from broker events and cleared on disconnect and restart.
package tracker

import (
	"sync"
	"time"

	"github.com/apex/log"
	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"

	"github.com/orbitfleet/gateway/broker"
	"github.com/orbitfleet/gateway/middleware"
	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/types"
)

// LiveBufferSize is the buffer of a live telemetry subscription channel
var LiveBufferSize = 10

// AckHandler receives device acknowledgments routed by the tracker. The
// command router implements this.
type AckHandler interface {
	HandleAck(*types.AckMessage)
}

// Session is the ephemeral record of a connected device
type Session struct {
	DeviceID     string    `json:"device_id"`
	Backend      string    `json:"backend"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Tracker maintains live device state from broker events
type Tracker struct {
	ctx  log.Interface
	mu   sync.Mutex
	done chan struct{}

	registry         *registry.Registry
	heartbeatTimeout time.Duration

	backends   []broker.Backend
	middleware middleware.Chain
	ackHandler AckHandler

	devices mapset.Set

	deviceDone map[string][]chan struct{}
	doneLock   sync.Mutex

	sessions    map[string]*Session
	sessionLock sync.RWMutex

	watchdogs    map[string]*watchdog
	watchdogLock sync.Mutex

	live     map[string][]chan *types.TelemetryMessage
	liveLock sync.Mutex

	connect    chan *types.ConnectMessage
	disconnect chan *types.DisconnectMessage
	telemetry  chan *types.TelemetryMessage
	ack        chan *types.AckMessage
}

// New initializes a new Tracker
func New(reg *registry.Registry, heartbeatTimeout time.Duration, ctx log.Interface) *Tracker {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Tracker{
		ctx:              ctx.WithField("Component", "Tracker"),
		done:             make(chan struct{}),
		registry:         reg,
		heartbeatTimeout: heartbeatTimeout,
		devices:          mapset.NewSet(),
		deviceDone:       make(map[string][]chan struct{}),
		sessions:         make(map[string]*Session),
		watchdogs:        make(map[string]*watchdog),
		live:             make(map[string][]chan *types.TelemetryMessage),
		connect:          make(chan *types.ConnectMessage),
		disconnect:       make(chan *types.DisconnectMessage),
		telemetry:        make(chan *types.TelemetryMessage),
		ack:              make(chan *types.AckMessage),
	}
}

// AddBackend adds broker backends to consume events from
func (t *Tracker) AddBackend(backend ...broker.Backend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backends = append(t.backends, backend...)
}

// Use appends middleware to the inbound event chain
func (t *Tracker) Use(m ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.middleware = append(t.middleware, m...)
}

// SetAckHandler sets the component that receives device acknowledgments
func (t *Tracker) SetAckHandler(h AckHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackHandler = h
}

// Start the Tracker
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, backend := range t.backends {
		go t.subscribeBackend(backend)
	}
	go t.handleChannels()
	go t.restoreSubscriptions()
}

// Stop the Tracker
func (t *Tracker) Stop() {
	close(t.done)
	t.doneLock.Lock()
	defer t.doneLock.Unlock()
	for _, dones := range t.deviceDone {
		for _, done := range dones {
			close(done)
		}
	}
	t.deviceDone = make(map[string][]chan struct{})
	t.watchdogLock.Lock()
	for _, w := range t.watchdogs {
		w.Stop()
	}
	t.watchdogs = make(map[string]*watchdog)
	t.watchdogLock.Unlock()
}

// restoreSubscriptions reactivates telemetry and ack subscriptions for every
// registered device, so traffic from devices that connected before a process
// restart still flows. Live state is not restored; the durable store is the
// arbiter after a crash.
func (t *Tracker) restoreSubscriptions() {
	devices, err := t.registry.All()
	if err != nil {
		t.ctx.WithError(err).Error("Could not list devices to restore subscriptions")
		return
	}
	for _, device := range devices {
		t.activateDevice(device.ID.String())
	}
	if len(devices) > 0 {
		t.ctx.WithField("Devices", len(devices)).Info("Restored device subscriptions")
	}
}

func (t *Tracker) subscribeBackend(backend broker.Backend) {
	if err := backend.Connect(); err != nil {
		t.ctx.WithError(err).Errorf("Could not set up backend %v", backend)
	}
	connect, err := backend.SubscribeConnect()
	if err != nil {
		t.ctx.WithError(err).Errorf("Could not subscribe to connect from backend %v", backend)
	}
	disconnect, err := backend.SubscribeDisconnect()
	if err != nil {
		t.ctx.WithError(err).Errorf("Could not subscribe to disconnect from backend %v", backend)
	}
loop:
	for {
		select {
		case <-t.done:
			break loop
		case connectMessage := <-connect:
			select {
			case t.connect <- connectMessage:
			case <-t.done:
			}
		case disconnectMessage := <-disconnect:
			select {
			case t.disconnect <- disconnectMessage:
			case <-t.done:
			}
		}
	}
	if err := backend.UnsubscribeConnect(); err != nil {
		t.ctx.WithError(err).Errorf("Could not unsubscribe from connect on backend %v", backend)
	}
	if err := backend.UnsubscribeDisconnect(); err != nil {
		t.ctx.WithError(err).Errorf("Could not unsubscribe from disconnect on backend %v", backend)
	}
}

func (t *Tracker) handleChannels() {
	for {
		select {
		case <-t.done:
			return
		case connectMessage, ok := <-t.connect:
			if !ok {
				continue
			}
			t.handleConnect(connectMessage)
		case disconnectMessage, ok := <-t.disconnect:
			if !ok {
				continue
			}
			t.handleDisconnect(disconnectMessage)
		case telemetryMessage, ok := <-t.telemetry:
			if !ok {
				continue
			}
			t.handleTelemetry(telemetryMessage)
		case ackMessage, ok := <-t.ack:
			if !ok {
				continue
			}
			t.handleAck(ackMessage)
		}
	}
}

func (t *Tracker) handleConnect(msg *types.ConnectMessage) {
	ctx := t.ctx.WithField("DeviceID", msg.DeviceID)
	if err := t.middleware.Execute(middleware.NewContext(), msg); err != nil {
		ctx.WithError(err).Debug("Middleware dropped connect message")
		return
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	t.touchSession(msg.DeviceID, msg.Backend, msg.Time)
	t.kickWatchdog(msg.DeviceID)
	if err := t.registry.UpdateConnectivity(deviceUUID(msg.DeviceID), registry.Online, msg.Time); err != nil {
		ctx.WithError(err).Warn("Could not update connectivity")
	}
	t.activateDevice(msg.DeviceID)
	if !t.devices.Add(msg.DeviceID) {
		ctx.Debug("Got connect message from already-connected device")
		return
	}
	onlineDevices.Inc()
	eventsHandled.WithLabelValues("connect").Inc()
	ctx.Info("Handled connect")
}

func (t *Tracker) handleDisconnect(msg *types.DisconnectMessage) {
	ctx := t.ctx.WithField("DeviceID", msg.DeviceID)
	if err := t.middleware.Execute(middleware.NewContext(), msg); err != nil {
		ctx.WithError(err).Debug("Middleware dropped disconnect message")
		return
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	if !t.devices.Contains(msg.DeviceID) {
		ctx.Debug("Got disconnect message from not-connected device")
	}
	t.deactivateDevice(msg.DeviceID)
	t.clearSession(msg.DeviceID)
	t.stopWatchdog(msg.DeviceID)
	if t.devices.Contains(msg.DeviceID) {
		t.devices.Remove(msg.DeviceID)
		onlineDevices.Dec()
	}
	if err := t.registry.UpdateConnectivity(deviceUUID(msg.DeviceID), registry.Offline, msg.Time); err != nil {
		ctx.WithError(err).Warn("Could not update connectivity")
	}
	eventsHandled.WithLabelValues("disconnect").Inc()
	ctx.Info("Handled disconnect")
}

func (t *Tracker) handleTelemetry(msg *types.TelemetryMessage) {
	ctx := t.ctx.WithField("DeviceID", msg.DeviceID)
	if err := t.middleware.Execute(middleware.NewContext(), msg); err != nil {
		ctx.WithError(err).Debug("Middleware dropped telemetry message")
		return
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	t.touchSession(msg.DeviceID, msg.Backend, msg.Time)
	t.kickWatchdog(msg.DeviceID)
	// A telemetry event is connectivity evidence: it moves an unknown or
	// offline device online.
	if t.devices.Add(msg.DeviceID) {
		onlineDevices.Inc()
	}
	id := deviceUUID(msg.DeviceID)
	if err := t.registry.UpdateConnectivity(id, registry.Online, msg.Time); err != nil {
		ctx.WithError(err).Warn("Could not update connectivity")
	}
	if err := t.registry.UpdateTelemetry(id, msg.Payload, msg.Time); err != nil {
		ctx.WithError(err).Warn("Could not update telemetry")
	}
	t.fanOutLive(msg)
	eventsHandled.WithLabelValues("telemetry").Inc()
	ctx.Debug("Handled telemetry")
}

func (t *Tracker) handleAck(msg *types.AckMessage) {
	ctx := t.ctx.WithField("DeviceID", msg.DeviceID).WithField("CommandID", msg.CommandID)
	if err := t.middleware.Execute(middleware.NewContext(), msg); err != nil {
		ctx.WithError(err).Debug("Middleware dropped ack message")
		return
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	t.touchSession(msg.DeviceID, msg.Backend, msg.Time)
	t.kickWatchdog(msg.DeviceID)
	if t.ackHandler != nil {
		t.ackHandler.HandleAck(msg)
	}
	eventsHandled.WithLabelValues("ack").Inc()
	ctx.Debug("Handled ack")
}

// handleHeartbeatTimeout fires when a device has not been heard from within
// the heartbeat window. This is a normal state transition, not an error.
// Subscriptions stay active so later telemetry can move the device back
// online without an explicit connect.
func (t *Tracker) handleHeartbeatTimeout(deviceID string) {
	ctx := t.ctx.WithField("DeviceID", deviceID)
	t.clearSession(deviceID)
	t.watchdogLock.Lock()
	delete(t.watchdogs, deviceID)
	t.watchdogLock.Unlock()
	if t.devices.Contains(deviceID) {
		t.devices.Remove(deviceID)
		onlineDevices.Dec()
	}
	if err := t.registry.UpdateConnectivity(deviceUUID(deviceID), registry.Offline, time.Now().UTC()); err != nil {
		ctx.WithError(err).Warn("Could not update connectivity")
	}
	heartbeatTimeouts.Inc()
	ctx.Info("Heartbeat timeout, device offline")
}

// EvictDevice cancels the device's subscriptions and forgets its live state.
// Called on device revocation.
func (t *Tracker) EvictDevice(deviceID string) {
	t.deactivateDevice(deviceID)
	t.clearSession(deviceID)
	t.stopWatchdog(deviceID)
	if t.devices.Contains(deviceID) {
		t.devices.Remove(deviceID)
		onlineDevices.Dec()
	}
	t.ctx.WithField("DeviceID", deviceID).Info("Evicted device")
}

func (t *Tracker) activateDevice(deviceID string) {
	t.doneLock.Lock()
	if _, ok := t.deviceDone[deviceID]; ok {
		t.doneLock.Unlock()
		return
	}
	t.mu.Lock()
	backends := t.backends
	t.mu.Unlock()
	dones := make([]chan struct{}, 0, len(backends))
	for range backends {
		dones = append(dones, make(chan struct{}))
	}
	t.deviceDone[deviceID] = dones
	t.doneLock.Unlock()
	for i, backend := range backends {
		go t.activateBackend(backend, deviceID, dones[i])
	}
}

func (t *Tracker) activateBackend(backend broker.Backend, deviceID string, done chan struct{}) {
	ctx := t.ctx.WithField("DeviceID", deviceID)
	telemetry, err := backend.SubscribeTelemetry(deviceID)
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to telemetry")
	}
	ack, err := backend.SubscribeAck(deviceID)
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to ack")
	}
	ctx.Debug("Activated device subscriptions")
loop:
	for {
		select {
		case <-done:
			break loop
		case telemetryMessage, ok := <-telemetry:
			if !ok {
				continue
			}
			select {
			case t.telemetry <- telemetryMessage:
			case <-done:
			}
		case ackMessage, ok := <-ack:
			if !ok {
				continue
			}
			select {
			case t.ack <- ackMessage:
			case <-done:
			}
		}
	}
	if err := backend.UnsubscribeTelemetry(deviceID); err != nil {
		ctx.WithError(err).Error("Could not unsubscribe from telemetry")
	}
	if err := backend.UnsubscribeAck(deviceID); err != nil {
		ctx.WithError(err).Error("Could not unsubscribe from ack")
	}
	ctx.Debug("Deactivated device subscriptions")
}

func (t *Tracker) deactivateDevice(deviceID string) {
	t.doneLock.Lock()
	defer t.doneLock.Unlock()
	if dones, ok := t.deviceDone[deviceID]; ok {
		for _, done := range dones {
			close(done)
		}
		delete(t.deviceDone, deviceID)
	}
}

func (t *Tracker) touchSession(deviceID, backend string, at time.Time) {
	t.sessionLock.Lock()
	defer t.sessionLock.Unlock()
	if session, ok := t.sessions[deviceID]; ok {
		if at.After(session.LastActivity) {
			session.LastActivity = at
		}
		return
	}
	t.sessions[deviceID] = &Session{
		DeviceID:     deviceID,
		Backend:      backend,
		ConnectedAt:  at,
		LastActivity: at,
	}
}

func (t *Tracker) clearSession(deviceID string) {
	t.sessionLock.Lock()
	delete(t.sessions, deviceID)
	t.sessionLock.Unlock()
}

// Session returns a copy of the ephemeral session for the given device
func (t *Tracker) Session(deviceID string) (Session, bool) {
	t.sessionLock.RLock()
	defer t.sessionLock.RUnlock()
	if session, ok := t.sessions[deviceID]; ok {
		return *session, true
	}
	return Session{}, false
}

func (t *Tracker) kickWatchdog(deviceID string) {
	t.watchdogLock.Lock()
	defer t.watchdogLock.Unlock()
	if w, ok := t.watchdogs[deviceID]; ok {
		w.Kick()
		return
	}
	t.watchdogs[deviceID] = newWatchdog(t.heartbeatTimeout, func() {
		t.handleHeartbeatTimeout(deviceID)
	})
}

func (t *Tracker) stopWatchdog(deviceID string) {
	t.watchdogLock.Lock()
	defer t.watchdogLock.Unlock()
	if w, ok := t.watchdogs[deviceID]; ok {
		w.Stop()
		delete(t.watchdogs, deviceID)
	}
}

// SubscribeLive returns a channel delivering the device's telemetry as it
// arrives, and a cancel function. Slow consumers miss messages.
func (t *Tracker) SubscribeLive(deviceID string) (<-chan *types.TelemetryMessage, func()) {
	ch := make(chan *types.TelemetryMessage, LiveBufferSize)
	t.liveLock.Lock()
	t.live[deviceID] = append(t.live[deviceID], ch)
	t.liveLock.Unlock()
	cancel := func() {
		t.liveLock.Lock()
		defer t.liveLock.Unlock()
		subscribers := t.live[deviceID]
		for i, subscriber := range subscribers {
			if subscriber == ch {
				t.live[deviceID] = append(subscribers[:i], subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

// deviceUUID parses a broker-level device ID. Malformed IDs map to the nil
// UUID, which the registry reports as not found.
func deviceUUID(id string) uuid.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func (t *Tracker) fanOutLive(msg *types.TelemetryMessage) {
	t.liveLock.Lock()
	defer t.liveLock.Unlock()
	for _, subscriber := range t.live[msg.DeviceID] {
		select {
		case subscriber <- msg:
		default:
		}
	}
}
