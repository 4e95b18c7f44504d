// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package availability talks to the Availability Service, the external system
// that provisions and releases QoS on the network.
package availability

import (
	"context"
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// Status is the provisioning state reported for a reservation.
type Status string

const (
	// StatusRequested means provisioning is still in progress.
	StatusRequested   Status = "REQUESTED"
	StatusAvailable   Status = "AVAILABLE"
	StatusUnavailable Status = "UNAVAILABLE"
)

// ReserveRequest asks for QoS between a device and an application server.
type ReserveRequest struct {
	SubscriptionID    string // optional; generated upstream when empty
	Device            model.Device
	ApplicationServer model.ApplicationServer
	QosProfile        string
	Duration          time.Duration
}

// Reservation is the upstream view of a reservation.
type Reservation struct {
	SubscriptionID string
	Status         Status
}

// Client reserves, checks and releases QoS on the network.
type Client interface {
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
	Check(ctx context.Context, subscriptionID string) (Reservation, error)
	Release(ctx context.Context, subscriptionID string) error
}
