// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans across the broker.
const (
	SessionIDKey      = "qod.session_id"
	SessionStatusKey  = "qod.session_status"
	QosProfileKey     = "qod.qos_profile"
	SubscriptionIDKey = "qod.subscription_id"

	BookkeeperKey = "qod.scheduler.bookkeeper"
	CandidatesKey = "qod.scheduler.candidates"
	LookaheadKey  = "qod.scheduler.lookahead_ms"

	DeliveryChannelKey = "qod.notify.channel"
	EventTypeKey       = "qod.notify.event_type"
	CredentialTypeKey  = "qod.notify.credential_type"

	UpstreamOpKey = "qod.availability.op"
)

// SessionAttributes describes the session a span operates on. Empty values
// are omitted.
func SessionAttributes(id, status, profile string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if id != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, id))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(SessionStatusKey, status))
	}
	if profile != "" {
		attrs = append(attrs, attribute.String(QosProfileKey, profile))
	}
	return attrs
}

// SweepAttributes describes one scheduler sweep.
func SweepAttributes(bookkeeper string, candidates int, lookaheadMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(BookkeeperKey, bookkeeper),
		attribute.Int(CandidatesKey, candidates),
		attribute.Int64(LookaheadKey, lookaheadMS),
	}
}

// DeliveryAttributes describes a notification delivery.
func DeliveryAttributes(channel, eventType, credentialType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(DeliveryChannelKey, channel),
		attribute.String(EventTypeKey, eventType),
	}
	if credentialType != "" {
		attrs = append(attrs, attribute.String(CredentialTypeKey, credentialType))
	}
	return attrs
}
