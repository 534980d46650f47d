// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package api exposes the gateway over HTTP: the operator login flow, device
// registration and management, command submission and the live telemetry
// stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orbitfleet/gateway/auth"
	"github.com/orbitfleet/gateway/broker"
	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/router"
	"github.com/orbitfleet/gateway/tracker"
)

// Config for the API server
type Config struct {
	Registry  *registry.Registry
	Tracker   *tracker.Tracker
	Router    *router.Router
	Tokens    *auth.Tokens
	Exchanger auth.Exchanger
	States    auth.StateStore

	// AccessLog, when set, receives an Apache-style access log line per
	// request.
	AccessLog io.Writer
}

// Server is the gateway HTTP API
type Server struct {
	ctx      log.Interface
	config   Config
	upgrader websocket.Upgrader
}

// New initializes a new API server
func New(config Config, ctx log.Interface) *Server {
	return &Server{
		ctx:    ctx.WithField("Component", "API"),
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/auth/login", s.handleLogin).Methods("GET")
	r.HandleFunc("/auth/callback", s.handleCallback).Methods("GET")
	r.HandleFunc("/me", s.authenticated(s.handleMe)).Methods("GET")

	r.HandleFunc("/devices", s.authenticated(s.handleRegisterDevice)).Methods("POST")
	r.HandleFunc("/devices", s.authenticated(s.handleListDevices)).Methods("GET")
	r.HandleFunc("/devices/{id}", s.authenticated(s.handleGetDevice)).Methods("GET")
	r.HandleFunc("/devices/{id}", s.authenticated(s.handleRenameDevice)).Methods("PUT")
	r.HandleFunc("/devices/{id}", s.authenticated(s.handleRevokeDevice)).Methods("DELETE")
	r.HandleFunc("/devices/{id}/live", s.authenticated(s.handleLive)).Methods("GET")

	r.HandleFunc("/devices/{id}/commands", s.authenticated(s.handleSubmitCommand)).Methods("POST")
	r.HandleFunc("/devices/{id}/commands/{cid}", s.authenticated(s.handleGetCommand)).Methods("GET")

	var handler http.Handler = r
	handler = handlers.CORS(
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
	)(handler)
	if s.config.AccessLog != nil {
		handler = handlers.LoggingHandler(s.config.AccessLog, handler)
	}
	return handlers.RecoveryHandler()(handler)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountKey struct{}

// authenticated wraps a handler with bearer token verification and loads the
// account into the request context
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, auth.ErrInvalidToken)
			return
		}
		accountID, _, err := s.config.Tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.writeError(w, err)
			return
		}
		account, err := s.config.Registry.GetAccount(accountID)
		if err != nil {
			if errors.Is(err, registry.ErrAccountNotFound) {
				err = auth.ErrInvalidToken
			}
			s.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, account)))
	}
}

func requestAccount(r *http.Request) *registry.Account {
	return r.Context().Value(accountKey{}).(*registry.Account)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.ctx.WithError(err).Warn("Could not write response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, registry.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrDeviceNotFound),
		errors.Is(err, registry.ErrAccountNotFound),
		errors.Is(err, router.ErrCommandNotFound):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrDeviceOffline):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidState):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrTransport):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.ctx.WithError(err).Error("Internal error")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
