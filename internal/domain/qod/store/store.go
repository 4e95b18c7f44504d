// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

var (
	ErrNotFound   = errors.New("session store: not found")
	ErrConflict   = errors.New("session store: identifier already exists")
	ErrNotAllowed = errors.New("session store: transition not allowed")
)

// ExpiryEntry is one row of the expiration index.
type ExpiryEntry struct {
	SessionID string
	ExpiresAt time.Time
}

// Lease is a single-writer lock with an owner and an expiry.
type Lease interface {
	Key() string
	Owner() string
	ExpiresAt() time.Time
}

// Store is the system of record for QoS sessions.
//
// Every operation that changes a session's status or expiresAt touches the
// record and its expiration-index entry in one backend transaction. An ACTIVE
// session has exactly one index entry; any other status has none.
type Store interface {
	// Create persists s. ErrConflict if the session or subscription ID exists.
	// Only ACTIVE sessions get an index entry.
	Create(ctx context.Context, s *model.Session) error
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Session, error)
	// Delete removes record and index entry. Deleting an absent ID is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteUnclaimed deletes only when no live expiration claim exists at now
	// and returns the record as it was when removed. It returns nil for absent
	// or claimed sessions.
	DeleteUnclaimed(ctx context.Context, id string, now time.Time) (*model.Session, error)

	// ExpiringBefore is a range query on the index: entries with
	// expiresAt <= bound, ascending by expiresAt. limit <= 0 means no limit.
	ExpiringBefore(ctx context.Context, bound time.Time, limit int) ([]ExpiryEntry, error)
	// ClaimForExpiration compare-and-sets the claim fields when the current
	// claim has lapsed (or was never set). It never blocks; false means the
	// claim is held by someone else or the session is no longer ACTIVE.
	// ErrNotFound if the session is gone.
	ClaimForExpiration(ctx context.Context, id, claimant string, now time.Time, lease time.Duration) (bool, error)
	// MarkExpired moves ACTIVE -> EXPIRED for the current claimant and removes
	// the index entry. ErrNotAllowed if claimant does not hold the claim.
	MarkExpired(ctx context.Context, id, claimant string, now time.Time) (*model.Session, error)

	// Activate moves REQUESTED -> ACTIVE, restarting the clock at startedAt.
	Activate(ctx context.Context, id string, startedAt time.Time) (*model.Session, error)
	// Extend rewrites duration and expiresAt of an unclaimed ACTIVE session.
	Extend(ctx context.Context, id string, duration time.Duration, now time.Time) (*model.Session, error)

	FindByDevice(ctx context.Context, addr string) ([]*model.Session, error)
	FindBySubscription(ctx context.Context, subscriptionID string) (*model.Session, error)

	// --- Leases (scheduler run lock) ---
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	Ping(ctx context.Context) error
	Close() error
}

type lease struct {
	key     string
	owner   string
	expires time.Time
}

func (l *lease) Key() string          { return l.key }
func (l *lease) Owner() string        { return l.owner }
func (l *lease) ExpiresAt() time.Time { return l.expires }

// checkCreate validates the invariants every backend enforces on Create.
func checkCreate(s *model.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session store: session id is required")
	}
	if s.Status != model.StatusActive && s.Status != model.StatusRequested {
		return ErrNotAllowed
	}
	return nil
}

// indexed reports whether a session must own an expiration-index entry.
func indexed(s *model.Session) bool {
	return s.Status == model.StatusActive
}

// applyClaim mutates s if the claim can be taken and reports whether it did.
func applyClaim(s *model.Session, claimant string, now time.Time, d time.Duration) bool {
	if s.Status != model.StatusActive || s.Claimed(now) {
		return false
	}
	s.ExpirationLockUntil = now.Add(d)
	s.BookkeeperID = claimant
	s.UpdatedAt = now
	return true
}

func applyExpire(s *model.Session, claimant string, now time.Time) error {
	if s.Status != model.StatusActive || s.BookkeeperID != claimant {
		return ErrNotAllowed
	}
	s.Status = model.StatusExpired
	s.UpdatedAt = now
	return nil
}

func applyActivate(s *model.Session, startedAt time.Time) error {
	if s.Status != model.StatusRequested {
		return ErrNotAllowed
	}
	s.Status = model.StatusActive
	s.StartedAt = startedAt
	s.ComputeExpiry()
	s.UpdatedAt = startedAt
	return nil
}

func applyExtend(s *model.Session, d time.Duration, now time.Time) error {
	if s.Status != model.StatusActive || s.Claimed(now) {
		return ErrNotAllowed
	}
	s.Duration = d
	s.ComputeExpiry()
	s.UpdatedAt = now
	return nil
}
