// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package profiles holds the administrative QoS profile catalog.
package profiles

import (
	"fmt"
	"sort"
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// Catalog is an immutable set of QoS profiles keyed by name. It is built once
// at startup and shared read-only.
type Catalog struct {
	byName map[string]model.QosProfile
	names  []string
}

// NewCatalog validates and indexes profiles. Names must be unique and
// non-empty; MinDuration must not exceed MaxDuration.
func NewCatalog(list []model.QosProfile) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]model.QosProfile, len(list))}
	for i, p := range list {
		if p.Name == "" {
			return nil, fmt.Errorf("profiles[%d]: name is required", i)
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("profiles[%d]: duplicate profile %q", i, p.Name)
		}
		if p.MinDuration < 0 || p.MaxDuration < 0 {
			return nil, fmt.Errorf("profile %q: durations must not be negative", p.Name)
		}
		if p.MaxDuration > 0 && p.MinDuration > p.MaxDuration {
			return nil, fmt.Errorf("profile %q: min_duration %s exceeds max_duration %s", p.Name, p.MinDuration, p.MaxDuration)
		}
		c.byName[p.Name] = p
		c.names = append(c.names, p.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// MustCatalog panics on invalid input; for tests and built-in defaults.
func MustCatalog(list []model.QosProfile) *Catalog {
	c, err := NewCatalog(list)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the profile by name.
func (c *Catalog) Lookup(name string) (model.QosProfile, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// Names returns profile names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

func (c *Catalog) Len() int { return len(c.byName) }

// Defaults are the four CAMARA reference profiles, used when configuration
// lists none.
func Defaults() []model.QosProfile {
	return []model.QosProfile{
		{Name: "QOS_E", Description: "low latency for real-time interaction", MinDuration: time.Second, MaxDuration: 24 * time.Hour, Priority: 20, MaxLatency: 50 * time.Millisecond},
		{Name: "QOS_S", Description: "small throughput", MinDuration: time.Second, MaxDuration: 24 * time.Hour, Priority: 40, MaxDownstreamRateKbps: 2_000},
		{Name: "QOS_M", Description: "medium throughput", MinDuration: time.Second, MaxDuration: 24 * time.Hour, Priority: 40, MaxDownstreamRateKbps: 10_000},
		{Name: "QOS_L", Description: "large throughput", MinDuration: time.Second, MaxDuration: 24 * time.Hour, Priority: 40, MaxDownstreamRateKbps: 50_000},
	}
}
