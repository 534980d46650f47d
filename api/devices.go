// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/tracker"
)

type deviceRequest struct {
	Label string `json:"label"`
}

type deviceResponse struct {
	*registry.Device
	Session *tracker.Session `json:"session,omitempty"`
}

// deviceID parses the device ID from the route. Malformed IDs behave like
// unregistered devices.
func deviceID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, registry.ErrDeviceNotFound
	}
	return id, nil
}

// ownedDevice loads the device and enforces that the authenticated account
// owns it
func (s *Server) ownedDevice(r *http.Request) (*registry.Device, error) {
	id, err := deviceID(r)
	if err != nil {
		return nil, err
	}
	device, err := s.config.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	if device.Owner != requestAccount(r).ID {
		return nil, registry.ErrNotAuthorized
	}
	return device, nil
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	req := &deviceRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Label == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "label is required"})
		return
	}
	device, err := s.config.Registry.Register(requestAccount(r), req.Label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.config.Registry.ListForAccount(requestAccount(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := &deviceResponse{Device: device}
	if session, ok := s.config.Tracker.Session(device.ID.String()); ok {
		res.Session = &session
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	req := &deviceRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Label == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "label is required"})
		return
	}
	id, err := deviceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.config.Registry.Rename(requestAccount(r), id, req.Label); err != nil {
		s.writeError(w, err)
		return
	}
	device, err := s.config.Registry.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

// handleRevokeDevice removes the device from the registry and evicts its
// live state, so traffic from a revoked device stops flowing immediately
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.config.Registry.Revoke(requestAccount(r), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.config.Tracker.EvictDevice(id.String())
	w.WriteHeader(http.StatusNoContent)
}
