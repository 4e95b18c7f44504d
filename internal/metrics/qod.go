// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the Prometheus instruments of the session broker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_scheduler_sweeps_total",
		Help: "Sweep ticks by result",
	}, []string{"result"}) // result=ok|lock_held|error

	schedulerSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qod_scheduler_sweep_duration_seconds",
		Help:    "Wall time of completed sweeps, including fan-out",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	schedulerPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qod_scheduler_phase",
		Help: "Current scheduler phase (1 for the active phase)",
	}, []string{"phase"})

	schedulerCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_scheduler_candidates_total",
		Help: "Expiration candidates by outcome",
	}, []string{"outcome"}) // outcome=expired|claim_lost|vanished|error

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_session_transitions_total",
		Help: "Session status transitions",
	}, []string{"from", "to"})

	notificationDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_notification_deliveries_total",
		Help: "Lifecycle event deliveries by channel and result",
	}, []string{"channel", "result"}) // channel=broker|sink

	notificationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qod_notification_delivery_seconds",
		Help:    "Delivery latency by channel",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	unsupportedCredentials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_sink_unsupported_credential_total",
		Help: "Sink deliveries sent without Authorization because the credential kind is unsupported",
	}, []string{"credential_type"})

	availabilityCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_availability_requests_total",
		Help: "Availability Service calls by operation and result",
	}, []string{"op", "result"})

	serviceOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qod_service_operations_total",
		Help: "Session service operations by operation and outcome code",
	}, []string{"op", "code"})
)

var schedulerPhases = []string{"idle", "acquiring_run_lock", "sweeping", "processing_candidate"}

// SetSchedulerPhase marks phase as active.
func SetSchedulerPhase(phase string) {
	for _, p := range schedulerPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		schedulerPhase.WithLabelValues(p).Set(v)
	}
}

// RecordSweep counts a sweep tick; d is observed only for completed sweeps.
func RecordSweep(result string, d time.Duration) {
	schedulerSweeps.WithLabelValues(result).Inc()
	if result == "ok" {
		schedulerSweepDuration.Observe(d.Seconds())
	}
}

func RecordCandidate(outcome string) {
	schedulerCandidates.WithLabelValues(outcome).Inc()
}

func RecordTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordDelivery counts one delivery attempt and observes its latency.
func RecordDelivery(channel, result string, d time.Duration) {
	notificationDeliveries.WithLabelValues(channel, result).Inc()
	notificationLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func RecordUnsupportedCredential(credentialType string) {
	if credentialType == "" {
		credentialType = "unknown"
	}
	unsupportedCredentials.WithLabelValues(credentialType).Inc()
}

func RecordAvailabilityCall(op, result string) {
	availabilityCalls.WithLabelValues(op, result).Inc()
}

func RecordServiceOp(op, code string) {
	if code == "" {
		code = "OK"
	}
	serviceOps.WithLabelValues(op, code).Inc()
}
