// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package tracker

import (
	"time"
)

// DefaultHeartbeatTimeout is used when no heartbeat timeout is configured
var DefaultHeartbeatTimeout = 90 * time.Second

type watchdog struct {
	*time.Timer
	timeout time.Duration
}

func newWatchdog(timeout time.Duration, callback func()) *watchdog {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &watchdog{
		Timer:   time.AfterFunc(timeout, callback),
		timeout: timeout,
	}
}

// Kick the watchdog. No effect if already expired
func (w *watchdog) Kick() {
	if w.Stop() {
		w.Reset(w.timeout)
	}
}
