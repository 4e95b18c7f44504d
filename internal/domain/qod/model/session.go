// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"net/netip"
	"time"
)

// Status is the lifecycle state of a QoS session.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusDeleted   Status = "DELETED"
)

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// IsLive reports whether the session still holds (or awaits) a reservation.
func (s Status) IsLive() bool {
	return s == StatusRequested || s == StatusActive
}

// CanTransition enforces REQUESTED -> ACTIVE -> EXPIRED and ACTIVE|REQUESTED -> DELETED.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusRequested:
		return to == StatusActive || to == StatusDeleted
	case StatusActive:
		return to == StatusExpired || to == StatusDeleted
	default:
		return false
	}
}

// PortRange is an inclusive port interval. A single port has From == To.
type PortRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Valid reports whether the range is within 0..65535 and ordered.
func (r PortRange) Valid() bool {
	return r.From >= 0 && r.To <= 65535 && r.From <= r.To
}

// Endpoint is a network address plus an optional set of port ranges.
type Endpoint struct {
	Addr  string      `json:"addr"`
	Ports []PortRange `json:"ports,omitempty"`
}

// Device identifies the user equipment whose traffic gets elevated QoS.
type Device = Endpoint

// ApplicationServer is the remote peer of the device flow.
type ApplicationServer = Endpoint

// CanonicalAddr normalises an IP address (or IP prefix) so that index lookups
// by device address are stable. Non-IP identifiers are returned unchanged.
func CanonicalAddr(addr string) string {
	if ip, err := netip.ParseAddr(addr); err == nil {
		return ip.Unmap().String()
	}
	if p, err := netip.ParsePrefix(addr); err == nil {
		return p.Masked().String()
	}
	return addr
}

// Session is a time-bounded QoS reservation tied to a device/application-server pair.
type Session struct {
	ID             string
	SubscriptionID string

	StartedAt time.Time
	Duration  time.Duration
	ExpiresAt time.Time

	Device            Device
	ApplicationServer ApplicationServer
	QosProfile        string

	SinkURL        string
	SinkCredential Credential

	// Expiration claim: zero until a scheduler run claims the session.
	ExpirationLockUntil time.Time
	BookkeeperID        string

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComputeExpiry sets ExpiresAt = StartedAt + Duration.
func (s *Session) ComputeExpiry() {
	s.ExpiresAt = s.StartedAt.Add(s.Duration)
}

// Claimed reports whether an expiration claim is live at now.
func (s *Session) Claimed(now time.Time) bool {
	return !s.ExpirationLockUntil.IsZero() && s.ExpirationLockUntil.After(now)
}

// SamePair reports whether other targets the same device and application server.
func (s *Session) SamePair(other *Session) bool {
	return CanonicalAddr(s.Device.Addr) == CanonicalAddr(other.Device.Addr) &&
		CanonicalAddr(s.ApplicationServer.Addr) == CanonicalAddr(other.ApplicationServer.Addr)
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Device.Ports = append([]PortRange(nil), s.Device.Ports...)
	out.ApplicationServer.Ports = append([]PortRange(nil), s.ApplicationServer.Ports...)
	return &out
}

// Remaining returns the time left until expiry, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
