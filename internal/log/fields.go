// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID      = "session_id"
	FieldSubscriptionID = "subscription_id"
	FieldCorrelationID  = "correlation_id"
	FieldRequestID      = "request_id"
	FieldBookkeeperID   = "bookkeeper_id"
	FieldInstanceID     = "instance_id"
	FieldEventID        = "event_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPhase     = "phase"

	// Lifecycle fields
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldProfile   = "qos_profile"
	FieldExpiresAt = "expires_at"

	// Delivery fields
	FieldTopic          = "topic"
	FieldSinkURL        = "sink_url"
	FieldCredentialType = "credential_type"
	FieldStatusCode     = "status_code"

	// Network fields
	FieldDeviceAddr = "device_addr"
	FieldASAddr     = "as_addr"
)
