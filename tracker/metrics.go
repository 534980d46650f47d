// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var onlineDevices = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orbitfleet",
		Subsystem: "gateway",
		Name:      "online_devices",
		Help:      "Number of online devices.",
	},
)

var eventsHandled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orbitfleet",
		Subsystem: "gateway",
		Name:      "events_handled_total",
		Help:      "Total number of broker events handled.",
	}, []string{"event_type"},
)

var heartbeatTimeouts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orbitfleet",
		Subsystem: "gateway",
		Name:      "heartbeat_timeouts_total",
		Help:      "Total number of devices marked offline by the heartbeat watchdog.",
	},
)

func init() {
	prometheus.MustRegister(onlineDevices)
	prometheus.MustRegister(eventsHandled)
	prometheus.MustRegister(heartbeatTimeouts)
}
