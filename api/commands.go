// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/orbitfleet/gateway/router"
)

type commandRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	req := &commandRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || len(req.Payload) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload is required"})
		return
	}
	id, err := deviceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	command, err := s.config.Router.Submit(requestAccount(r), id, req.Payload)
	if err != nil {
		// A command that reached the store but could not be published is
		// returned in the failed state so the operator can still look it up.
		if command != nil {
			s.writeJSON(w, http.StatusBadGateway, command)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, command)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	commandID, err := uuid.Parse(mux.Vars(r)["cid"])
	if err != nil {
		s.writeError(w, router.ErrCommandNotFound)
		return
	}
	command, err := s.config.Router.Get(requestAccount(r), commandID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if command.DeviceID != id {
		s.writeError(w, router.ErrCommandNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, command)
}
