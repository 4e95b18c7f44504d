// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var brokerDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "qod_broker_dropped_total",
	Help: "Events dropped by the in-process broker by topic and reason",
}, []string{"topic", "reason"})

// IncBrokerDrop records a dropped broker message with a concrete reason.
func IncBrokerDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	brokerDroppedTotal.WithLabelValues(topic, reason).Inc()
}
