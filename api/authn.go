// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/orbitfleet/gateway/auth"
)

// handleLogin starts the OAuth flow: it issues a single-use state parameter
// and redirects the operator to the identity provider
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()
	if err := s.config.States.SetState(state); err != nil {
		s.writeError(w, err)
		return
	}
	http.Redirect(w, r, s.config.Exchanger.LoginURL(state), http.StatusTemporaryRedirect)
}

// handleCallback finishes the OAuth flow: it validates the state, exchanges
// the code for a verified identity, upserts the account and issues a bearer
// token
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	valid, err := s.config.States.ConsumeState(query.Get("state"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !valid {
		s.writeError(w, auth.ErrInvalidState)
		return
	}
	identity, err := s.config.Exchanger.Exchange(r.Context(), query.Get("code"))
	if err != nil {
		s.ctx.WithError(err).Warn("Code exchange failed")
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "authentication failed"})
		return
	}
	account, err := s.config.Registry.UpsertAccount(identity.Subject, identity.Email, identity.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.config.Tokens.Issue(account.ID, account.Email, account.Name)
	if err != nil {
		s.writeError(w, errors.New("could not issue token"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleMe returns the authenticated account
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, requestAccount(r))
}
