// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"sync"
	"time"
)

// Memory implements the StateStore interface with an in-memory backend
type Memory struct {
	mu     sync.Mutex
	states map[string]time.Time
	ttl    time.Duration
}

// NewMemory returns a new StateStore with an in-memory backend
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]time.Time),
		ttl:    DefaultStateTTL,
	}
}

// SetState stores the state parameter
func (m *Memory) SetState(state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state] = time.Now().Add(m.ttl)
	return nil
}

// ConsumeState invalidates the state parameter and reports whether it was
// valid
func (m *Memory) ConsumeState(state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires, ok := m.states[state]
	if !ok {
		return false, nil
	}
	delete(m.states, state)
	return time.Now().Before(expires), nil
}

var _ StateStore = (*Memory)(nil)
