// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package auth implements operator authentication: the Google OAuth login
// flow and the bearer tokens the HTTP API accepts afterwards.
package auth

import (
	"errors"
	"time"
)

// ErrInvalidToken is returned when a bearer token is missing, malformed,
// expired or carries a bad signature
var ErrInvalidToken = errors.New("invalid token")

// ErrInvalidState is returned when an OAuth callback carries a state
// parameter that was never issued or was already consumed
var ErrInvalidState = errors.New("invalid state parameter")

// ErrExchangeFailed is returned when the identity provider rejects the
// authorization code or the profile fetch fails
var ErrExchangeFailed = errors.New("code exchange failed")

// DefaultStateTTL is how long an issued OAuth state parameter stays valid
var DefaultStateTTL = 10 * time.Minute

// Identity is the verified identity of an operator as reported by the
// identity provider
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// StateStore tracks issued OAuth state parameters for CSRF protection.
// ConsumeState must invalidate the state so it can be used exactly once.
type StateStore interface {
	SetState(state string) error
	ConsumeState(state string) (bool, error)
}
