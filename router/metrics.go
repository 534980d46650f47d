// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

var commandTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orbitfleet",
		Subsystem: "gateway",
		Name:      "command_transitions_total",
		Help:      "Total number of command status transitions.",
	}, []string{"status"},
)

func init() {
	prometheus.MustRegister(commandTransitions)
}
