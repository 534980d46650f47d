// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package memory implements the registry and command stores in memory, for
// tests and local development.
package memory

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/router"
)

// Store implements registry.Store and router.CommandStore in memory
type Store struct {
	mu                sync.RWMutex
	accounts          map[uuid.UUID]*registry.Account
	accountsBySubject map[string]uuid.UUID
	devices           map[uuid.UUID]*registry.Device
	commands          map[uuid.UUID]*router.Command

	// Err, when set, is returned by every operation to simulate an
	// unavailable store.
	Err error
}

// NewStore returns a new in-memory store
func NewStore() *Store {
	return &Store{
		accounts:          make(map[uuid.UUID]*registry.Account),
		accountsBySubject: make(map[string]uuid.UUID),
		devices:           make(map[uuid.UUID]*registry.Device),
		commands:          make(map[uuid.UUID]*router.Command),
	}
}

// UpsertAccount implements registry.Store
func (s *Store) UpsertAccount(subject, email, name string) (*registry.Account, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if id, ok := s.accountsBySubject[subject]; ok {
		account := s.accounts[id]
		account.Email = email
		account.Name = name
		account.UpdatedAt = now
		copied := *account
		return &copied, nil
	}
	account := &registry.Account{
		ID:        uuid.New(),
		Subject:   subject,
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[account.ID] = account
	s.accountsBySubject[subject] = account.ID
	copied := *account
	return &copied, nil
}

// GetAccount implements registry.Store
func (s *Store) GetAccount(id uuid.UUID) (*registry.Account, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, registry.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// CreateDevice implements registry.Store
func (s *Store) CreateDevice(device *registry.Device) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *device
	s.devices[device.ID] = &copied
	return nil
}

// GetDevice implements registry.Store
func (s *Store) GetDevice(id uuid.UUID) (*registry.Device, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	if !ok {
		return nil, registry.ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

// ListDevices implements registry.Store
func (s *Store) ListDevices(owner uuid.UUID) ([]*registry.Device, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := []*registry.Device{}
	for _, device := range s.devices {
		if device.Owner == owner {
			copied := *device
			devices = append(devices, &copied)
		}
	}
	return devices, nil
}

// AllDevices implements registry.Store
func (s *Store) AllDevices() ([]*registry.Device, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]*registry.Device, 0, len(s.devices))
	for _, device := range s.devices {
		copied := *device
		devices = append(devices, &copied)
	}
	return devices, nil
}

// RenameDevice implements registry.Store
func (s *Store) RenameDevice(id uuid.UUID, label string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[id]
	if !ok {
		return registry.ErrDeviceNotFound
	}
	device.Label = label
	return nil
}

// DeleteDevice implements registry.Store
func (s *Store) DeleteDevice(id uuid.UUID) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return registry.ErrDeviceNotFound
	}
	delete(s.devices, id)
	return nil
}

// SetConnectivity implements registry.Store
func (s *Store) SetConnectivity(id uuid.UUID, state registry.ConnectivityState, seen time.Time) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[id]
	if !ok {
		return false, registry.ErrDeviceNotFound
	}
	if seen.Before(device.LastSeen) {
		return false, nil
	}
	device.Connectivity = state
	device.LastSeen = seen
	return true, nil
}

// SetTelemetry implements registry.Store
func (s *Store) SetTelemetry(id uuid.UUID, payload json.RawMessage, seen time.Time) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[id]
	if !ok {
		return false, registry.ErrDeviceNotFound
	}
	if seen.Before(device.LastSeen) {
		return false, nil
	}
	device.Telemetry = &registry.Telemetry{Payload: payload, Time: seen}
	device.LastSeen = seen
	return true, nil
}

// CreateCommand implements router.CommandStore
func (s *Store) CreateCommand(command *router.Command) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *command
	s.commands[command.ID] = &copied
	return nil
}

// GetCommand implements router.CommandStore
func (s *Store) GetCommand(id uuid.UUID) (*router.Command, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	command, ok := s.commands[id]
	if !ok {
		return nil, router.ErrCommandNotFound
	}
	copied := *command
	return &copied, nil
}

// Transition implements router.CommandStore. The first transition into a
// terminal state wins; anything else is a no-op.
func (s *Store) Transition(id uuid.UUID, to router.Status) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	command, ok := s.commands[id]
	if !ok {
		return false, router.ErrCommandNotFound
	}
	if !router.CanTransition(command.Status, to) {
		return false, nil
	}
	command.Status = to
	command.UpdatedAt = time.Now().UTC()
	return true, nil
}

var _ registry.Store = (*Store)(nil)
var _ router.CommandStore = (*Store)(nil)
