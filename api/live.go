// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"time"
)

// WriteTimeout bounds a single websocket write to a live subscriber
var WriteTimeout = 10 * time.Second

// handleLive upgrades to a websocket and streams the device's telemetry as
// it arrives. Slow consumers miss messages rather than stall the tracker.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.ctx.WithError(err).Debug("Could not upgrade live connection")
		return
	}
	ctx := s.ctx.WithField("DeviceID", device.ID)
	ctx.Debug("Live stream opened")

	telemetry, cancel := s.config.Tracker.SubscribeLive(device.ID.String())
	defer cancel()
	defer conn.Close()

	// Reads are discarded; a read error means the client went away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			ctx.Debug("Live stream closed by client")
			return
		case msg, ok := <-telemetry:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				ctx.WithError(err).Debug("Live stream write failed")
				return
			}
		}
	}
}
