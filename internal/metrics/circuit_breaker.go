// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qod_circuit_breaker_state",
		Help: "Circuit breaker state by upstream (1 for the active state, 0 otherwise)",
	}, []string{"upstream", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_circuit_breaker_trips_total",
		Help: "Transitions to the open state by upstream and reason",
	}, []string{"upstream", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState marks state as the active one for upstream.
func SetCircuitBreakerState(upstream, state string) {
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		circuitBreakerState.WithLabelValues(upstream, s).Set(v)
	}
}

// RecordCircuitBreakerTrip counts a transition to open.
func RecordCircuitBreakerTrip(upstream, reason string) {
	circuitBreakerTrips.WithLabelValues(upstream, reason).Inc()
}
