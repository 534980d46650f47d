// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package router accepts operator commands, authorizes them against the
// device registry and tracks each command to a terminal delivery outcome.
package router

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/orbitfleet/gateway/broker"
	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/types"
)

// ErrDeviceOffline is returned when a command targets a device that is not
// online. Commands are rejected up front rather than queued, so the operator
// never waits on silent indefinite latency.
var ErrDeviceOffline = errors.New("device is offline")

// ErrCommandNotFound is returned when a command is not tracked
var ErrCommandNotFound = errors.New("command not found")

// DefaultExpiry is the ack window used when none is configured
var DefaultExpiry = 30 * time.Second

// Status of a command delivery
type Status string

// Command delivery statuses. Acknowledged, failed and expired are terminal.
const (
	Pending      Status = "pending"
	Sent         Status = "sent"
	Acknowledged Status = "acknowledged"
	Failed       Status = "failed"
	Expired      Status = "expired"
)

// Terminal reports whether the status is a terminal delivery outcome
func (s Status) Terminal() bool {
	switch s {
	case Acknowledged, Failed, Expired:
		return true
	}
	return false
}

// CanTransition reports whether a command may move from one status to
// another. Delivery status is monotonic: pending -> sent -> {acknowledged,
// failed, expired}, pending -> {failed, expired}; there is no way out of a
// terminal state.
func CanTransition(from, to Status) bool {
	switch from {
	case Pending:
		return to == Sent || to == Failed || to == Expired
	case Sent:
		return to == Acknowledged || to == Failed || to == Expired
	}
	return false
}

// Command is an operator-issued instruction tracked to a terminal outcome
type Command struct {
	ID        uuid.UUID       `json:"id"`
	DeviceID  uuid.UUID       `json:"device_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Payload   json.RawMessage `json:"payload"`
	IssuedAt  time.Time       `json:"issued_at"`
	Status    Status          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CommandStore durably tracks commands. Transition must apply the new status
// atomically if and only if CanTransition allows it, and report whether it
// did: the first transition into a terminal state wins, later ones are
// no-ops. Implementations wrap I/O failures in registry.ErrStorageUnavailable.
type CommandStore interface {
	CreateCommand(command *Command) error
	GetCommand(id uuid.UUID) (*Command, error)
	Transition(id uuid.UUID, to Status) (bool, error)
}

// Router routes operator commands to devices
type Router struct {
	ctx      log.Interface
	mu       sync.Mutex
	done     chan struct{}
	registry *registry.Registry
	store    CommandStore
	expiry   time.Duration

	backends []broker.Backend

	timers    map[uuid.UUID]*time.Timer
	timerLock sync.Mutex
}

// New initializes a new Router
func New(reg *registry.Registry, store CommandStore, expiry time.Duration, ctx log.Interface) *Router {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Router{
		ctx:      ctx.WithField("Component", "Router"),
		done:     make(chan struct{}),
		registry: reg,
		store:    store,
		expiry:   expiry,
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// AddBackend adds broker backends to publish commands to
func (r *Router) AddBackend(backend ...broker.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = append(r.backends, backend...)
}

// Start watching the backends' dropped-command signals
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, backend := range r.backends {
		go r.watchDropped(backend)
	}
}

// Stop the Router
func (r *Router) Stop() {
	close(r.done)
	r.timerLock.Lock()
	defer r.timerLock.Unlock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// watchDropped marks commands dropped from a backend's publish queue as failed
func (r *Router) watchDropped(backend broker.Backend) {
	for {
		select {
		case <-r.done:
			return
		case commandID, ok := <-backend.Dropped():
			if !ok {
				return
			}
			id, err := uuid.Parse(commandID)
			if err != nil {
				r.ctx.WithField("CommandID", commandID).Warn("Got malformed dropped-command signal")
				continue
			}
			if r.transition(id, Failed) {
				r.ctx.WithField("CommandID", id).WithError(broker.ErrDropped).Warn("Command failed before delivery")
			}
		}
	}
}

// Submit routes a command to the given device on behalf of the given account.
// The device must exist, be owned by the account and be online; otherwise
// nothing is persisted. On publish failure the command is returned in the
// failed state together with the transport error.
func (r *Router) Submit(account *registry.Account, deviceID uuid.UUID, payload json.RawMessage) (*Command, error) {
	device, err := r.registry.Get(deviceID)
	if err != nil {
		return nil, err
	}
	if device.Owner != account.ID {
		return nil, registry.ErrNotAuthorized
	}
	if device.Connectivity != registry.Online {
		return nil, ErrDeviceOffline
	}

	command := &Command{
		ID:        uuid.New(),
		DeviceID:  device.ID,
		AccountID: account.ID,
		Payload:   payload,
		IssuedAt:  time.Now().UTC(),
		Status:    Pending,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateCommand(command); err != nil {
		return nil, err
	}
	ctx := r.ctx.WithField("CommandID", command.ID).WithField("DeviceID", device.ID)

	message := &types.CommandMessage{
		CommandID: command.ID.String(),
		DeviceID:  device.ID.String(),
		Time:      command.IssuedAt,
		Payload:   payload,
	}

	// Mark sent and arm expiry before publishing: a fast device can ack
	// before PublishCommand returns, and that ack must find the command in
	// the sent state.
	r.transition(command.ID, Sent)
	command.Status = Sent
	r.startExpiry(command.ID)

	r.mu.Lock()
	backends := r.backends
	r.mu.Unlock()
	var published bool
	var publishErr error
	for _, backend := range backends {
		if err := backend.PublishCommand(message); err != nil {
			ctx.WithError(err).Warn("Could not publish command")
			publishErr = err
			continue
		}
		published = true
	}

	if !published {
		if r.transition(command.ID, Failed) {
			command.Status = Failed
		}
		if publishErr == nil {
			publishErr = broker.ErrTransport
		}
		return command, publishErr
	}

	ctx.Info("Routed command")
	return command, nil
}

// Get returns the tracked command. Only the issuing account may read it.
func (r *Router) Get(account *registry.Account, id uuid.UUID) (*Command, error) {
	command, err := r.store.GetCommand(id)
	if err != nil {
		return nil, err
	}
	if command.AccountID != account.ID {
		return nil, registry.ErrNotAuthorized
	}
	return command, nil
}

// HandleAck implements the tracker's AckHandler: a device acknowledgment
// moves the matching command to acknowledged, unless a terminal state won
// the race first.
func (r *Router) HandleAck(msg *types.AckMessage) {
	ctx := r.ctx.WithField("CommandID", msg.CommandID).WithField("DeviceID", msg.DeviceID)
	id, err := uuid.Parse(msg.CommandID)
	if err != nil {
		ctx.Warn("Got ack with malformed command ID")
		return
	}
	if r.transition(id, Acknowledged) {
		ctx.Info("Command acknowledged")
	} else {
		ctx.Debug("Ignored ack for command already resolved")
	}
}

// startExpiry arms the per-command expiry timer. Firing it is the only path
// that reclaims commands stuck in sent.
func (r *Router) startExpiry(id uuid.UUID) {
	r.timerLock.Lock()
	defer r.timerLock.Unlock()
	r.timers[id] = time.AfterFunc(r.expiry, func() {
		if r.transition(id, Expired) {
			r.ctx.WithField("CommandID", id).Info("Command expired without ack")
		}
	})
}

func (r *Router) stopExpiry(id uuid.UUID) {
	r.timerLock.Lock()
	defer r.timerLock.Unlock()
	if timer, ok := r.timers[id]; ok {
		timer.Stop()
		delete(r.timers, id)
	}
}

// transition applies a status change through the store and reports whether
// it was applied. Reaching a terminal state cancels the expiry timer.
func (r *Router) transition(id uuid.UUID, to Status) bool {
	applied, err := r.store.Transition(id, to)
	if err != nil {
		r.ctx.WithField("CommandID", id).WithError(err).Error("Could not transition command")
		return false
	}
	if !applied {
		return false
	}
	commandTransitions.WithLabelValues(string(to)).Inc()
	if to.Terminal() {
		r.stopExpiry(id)
	}
	return true
}
