// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package registry is the authoritative mapping of devices to owning accounts.
// Durable fields live in the Store; connectivity and telemetry are served
// from a sharded in-memory cache that is write-through to the Store.
package registry

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrDeviceNotFound is returned when a device is not registered
var ErrDeviceNotFound = errors.New("device not found")

// ErrAccountNotFound is returned when an account does not exist
var ErrAccountNotFound = errors.New("account not found")

// ErrNotAuthorized is returned when an account acts on a device it does not own
var ErrNotAuthorized = errors.New("account does not own device")

// ErrStorageUnavailable is returned when the durable store cannot be reached.
// Callers must not proceed with possibly-stale data when they see this.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ConnectivityState is the coarse classification of a device's live link
type ConnectivityState string

// Connectivity states
const (
	Unknown ConnectivityState = "unknown"
	Online  ConnectivityState = "online"
	Offline ConnectivityState = "offline"
)

// Account of a human operator, created on first successful authentication.
// Accounts are never hard-deleted.
type Account struct {
	ID        uuid.UUID  `json:"id"`
	Subject   string     `json:"subject"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Telemetry is the last-reported snapshot of a device
type Telemetry struct {
	Payload json.RawMessage `json:"payload"`
	Time    time.Time       `json:"time"`
}

// Device registered to exactly one owning account. Ownership is immutable
// after registration.
type Device struct {
	ID           uuid.UUID         `json:"id"`
	Owner        uuid.UUID         `json:"owner"`
	Label        string            `json:"label"`
	RegisteredAt time.Time         `json:"registered_at"`
	Connectivity ConnectivityState `json:"connectivity"`
	LastSeen     time.Time         `json:"last_seen,omitempty"`
	Telemetry    *Telemetry        `json:"telemetry,omitempty"`
}

// Store is the durable storage consumed by the Registry. SetConnectivity and
// SetTelemetry must apply the update atomically if and only if the stored
// last-seen timestamp is not newer than the given one, and report whether
// they did. Implementations wrap I/O failures in ErrStorageUnavailable.
type Store interface {
	UpsertAccount(subject, email, name string) (*Account, error)
	GetAccount(id uuid.UUID) (*Account, error)

	CreateDevice(device *Device) error
	GetDevice(id uuid.UUID) (*Device, error)
	ListDevices(owner uuid.UUID) ([]*Device, error)
	AllDevices() ([]*Device, error)
	RenameDevice(id uuid.UUID, label string) error
	DeleteDevice(id uuid.UUID) error

	SetConnectivity(id uuid.UUID, state ConnectivityState, seen time.Time) (bool, error)
	SetTelemetry(id uuid.UUID, payload json.RawMessage, seen time.Time) (bool, error)
}

// Registry manages devices and their live state
type Registry struct {
	ctx   log.Interface
	store Store
	cache *cache
}

// New returns a new Registry backed by the given store
func New(store Store, ctx log.Interface) *Registry {
	return &Registry{
		ctx:   ctx.WithField("Component", "Registry"),
		store: store,
		cache: newCache(),
	}
}

// UpsertAccount creates or refreshes an account from a verified identity
func (r *Registry) UpsertAccount(subject, email, name string) (*Account, error) {
	return r.store.UpsertAccount(subject, email, name)
}

// GetAccount returns the account with the given ID
func (r *Registry) GetAccount(id uuid.UUID) (*Account, error) {
	return r.store.GetAccount(id)
}

// Register creates a new device owned by the given account
func (r *Registry) Register(owner *Account, label string) (*Device, error) {
	device := &Device{
		ID:           uuid.New(),
		Owner:        owner.ID,
		Label:        label,
		RegisteredAt: time.Now().UTC(),
		Connectivity: Unknown,
	}
	if err := r.store.CreateDevice(device); err != nil {
		return nil, err
	}
	r.ctx.WithField("DeviceID", device.ID).WithField("AccountID", owner.ID).Info("Registered device")
	return device, nil
}

// Get returns the device with the given ID, live fields served from cache
func (r *Registry) Get(id uuid.UUID) (*Device, error) {
	device, err := r.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	r.cache.overlay(device)
	return device, nil
}

// ListForAccount returns all devices owned by the given account
func (r *Registry) ListForAccount(owner *Account) ([]*Device, error) {
	devices, err := r.store.ListDevices(owner.ID)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		r.cache.overlay(device)
	}
	return devices, nil
}

// All returns every registered device. Used to restore subscriptions after
// a restart; the durable store is the system of record.
func (r *Registry) All() ([]*Device, error) {
	return r.store.AllDevices()
}

// Rename changes a device label. Only the owner may rename.
func (r *Registry) Rename(owner *Account, id uuid.UUID, label string) error {
	device, err := r.store.GetDevice(id)
	if err != nil {
		return err
	}
	if device.Owner != owner.ID {
		return ErrNotAuthorized
	}
	return r.store.RenameDevice(id, label)
}

// Revoke removes a device from the registry. Only the owner may revoke.
func (r *Registry) Revoke(owner *Account, id uuid.UUID) error {
	device, err := r.store.GetDevice(id)
	if err != nil {
		return err
	}
	if device.Owner != owner.ID {
		return ErrNotAuthorized
	}
	if err := r.store.DeleteDevice(id); err != nil {
		return err
	}
	r.cache.evict(id)
	r.ctx.WithField("DeviceID", id).Info("Revoked device")
	return nil
}

// UpdateConnectivity applies a connectivity event. Events older than the
// stored last-seen timestamp are discarded without error; this is what keeps
// per-device state monotonic under out-of-order delivery from the broker.
func (r *Registry) UpdateConnectivity(id uuid.UUID, state ConnectivityState, seen time.Time) error {
	applied, err := r.cache.setConnectivity(r, id, state, seen)
	if err != nil {
		return err
	}
	if !applied {
		r.ctx.WithField("DeviceID", id).Debug("Discarded stale connectivity event")
		return nil
	}
	if _, err := r.store.SetConnectivity(id, state, seen); err != nil {
		return err
	}
	return nil
}

// UpdateTelemetry applies a telemetry event, subject to the same ordering
// rule as UpdateConnectivity. A telemetry event also refreshes last-seen.
func (r *Registry) UpdateTelemetry(id uuid.UUID, payload json.RawMessage, seen time.Time) error {
	applied, err := r.cache.setTelemetry(r, id, payload, seen)
	if err != nil {
		return err
	}
	if !applied {
		r.ctx.WithField("DeviceID", id).Debug("Discarded stale telemetry event")
		return nil
	}
	if _, err := r.store.SetTelemetry(id, payload, seen); err != nil {
		return err
	}
	return nil
}
