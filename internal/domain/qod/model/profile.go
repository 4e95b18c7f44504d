// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "time"

// QosProfile is administrative configuration referenced by name from a Session.
type QosProfile struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	MinDuration time.Duration `yaml:"min_duration" json:"minDuration"`
	MaxDuration time.Duration `yaml:"max_duration" json:"maxDuration"`
	Priority    int           `yaml:"priority" json:"priority"`

	MaxUpstreamRateKbps   int           `yaml:"max_upstream_rate_kbps,omitempty" json:"maxUpstreamRateKbps,omitempty"`
	MaxDownstreamRateKbps int           `yaml:"max_downstream_rate_kbps,omitempty" json:"maxDownstreamRateKbps,omitempty"`
	MaxLatency            time.Duration `yaml:"max_latency,omitempty" json:"maxLatency,omitempty"`
	MaxJitter             time.Duration `yaml:"max_jitter,omitempty" json:"maxJitter,omitempty"`
}

// AllowsDuration reports whether d is inside the profile's bounds. A zero
// bound is unbounded on that side.
func (p QosProfile) AllowsDuration(d time.Duration) bool {
	if p.MinDuration > 0 && d < p.MinDuration {
		return false
	}
	if p.MaxDuration > 0 && d > p.MaxDuration {
		return false
	}
	return true
}
