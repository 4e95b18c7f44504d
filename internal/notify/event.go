// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package notify builds session lifecycle events and delivers them to the
// broker topic and to client-registered sinks.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventTypeStatusChanged is the only event type emitted today.
const EventTypeStatusChanged = "org.camaraproject.quality-on-demand.v0.qos-status-changed"

const specVersion = "1.0"

// QosStatus is the status reported to subscribers.
type QosStatus string

const (
	QosStatusAvailable   QosStatus = "AVAILABLE"
	QosStatusUnavailable QosStatus = "UNAVAILABLE"
)

// StatusInfo explains an UNAVAILABLE status.
type StatusInfo string

const (
	StatusInfoDurationExpired StatusInfo = "DURATION_EXPIRED"
	StatusInfoDeleteRequested StatusInfo = "DELETE_REQUESTED"
)

// StatusData is the event payload.
type StatusData struct {
	SessionID  string     `json:"sessionId"`
	QosStatus  QosStatus  `json:"qosStatus"`
	StatusInfo StatusInfo `json:"statusInfo,omitempty"`
}

// Event is the CloudEvents envelope. Field order is the wire order; consumers
// across versions depend on it.
type Event struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Type        string     `json:"type"`
	Time        string     `json:"time"`
	SpecVersion string     `json:"specversion"`
	Subject     string     `json:"subject"`
	Data        StatusData `json:"data"`
}

// NewStatusEvent builds a status-changed event for sessionID at time at.
func NewStatusEvent(source, sessionID string, status QosStatus, info StatusInfo, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Source:      source,
		Type:        EventTypeStatusChanged,
		Time:        at.UTC().Format(time.RFC3339),
		SpecVersion: specVersion,
		Subject:     sessionID,
		Data: StatusData{
			SessionID:  sessionID,
			QosStatus:  status,
			StatusInfo: info,
		},
	}
}
