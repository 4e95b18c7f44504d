// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable; not suitable for more than one process.
type MemoryStore struct {
	mu sync.Mutex

	sessions map[string]*model.Session
	subs     map[string]string              // subscriptionID -> sessionID
	devices  map[string]map[string]struct{} // canonical device addr -> sessionIDs

	// index is kept sorted by (ExpiresAt, SessionID).
	index []ExpiryEntry

	leases map[string]leaseState
}

type leaseState struct {
	owner string
	exp   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		subs:     make(map[string]string),
		devices:  make(map[string]map[string]struct{}),
		leases:   make(map[string]leaseState),
	}
}

func (m *MemoryStore) Close() error                   { return nil }
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func entryLess(a, b ExpiryEntry) bool {
	if a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.SessionID < b.SessionID
	}
	return a.ExpiresAt.Before(b.ExpiresAt)
}

func (m *MemoryStore) indexInsert(e ExpiryEntry) {
	i := sort.Search(len(m.index), func(i int) bool { return !entryLess(m.index[i], e) })
	m.index = append(m.index, ExpiryEntry{})
	copy(m.index[i+1:], m.index[i:])
	m.index[i] = e
}

func (m *MemoryStore) indexRemove(e ExpiryEntry) {
	i := sort.Search(len(m.index), func(i int) bool { return !entryLess(m.index[i], e) })
	if i < len(m.index) && m.index[i].SessionID == e.SessionID {
		m.index = append(m.index[:i], m.index[i+1:]...)
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *model.Session) error {
	if err := checkCreate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrConflict
	}
	if s.SubscriptionID != "" {
		if _, ok := m.subs[s.SubscriptionID]; ok {
			return ErrConflict
		}
		m.subs[s.SubscriptionID] = s.ID
	}
	rec := s.Clone()
	m.sessions[s.ID] = rec
	dev := model.CanonicalAddr(s.Device.Addr)
	if m.devices[dev] == nil {
		m.devices[dev] = make(map[string]struct{})
	}
	m.devices[dev][s.ID] = struct{}{}
	if indexed(rec) {
		m.indexInsert(ExpiryEntry{SessionID: rec.ID, ExpiresAt: rec.ExpiresAt})
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) removeLocked(rec *model.Session) {
	if indexed(rec) {
		m.indexRemove(ExpiryEntry{SessionID: rec.ID, ExpiresAt: rec.ExpiresAt})
	}
	if rec.SubscriptionID != "" {
		delete(m.subs, rec.SubscriptionID)
	}
	dev := model.CanonicalAddr(rec.Device.Addr)
	delete(m.devices[dev], rec.ID)
	if len(m.devices[dev]) == 0 {
		delete(m.devices, dev)
	}
	delete(m.sessions, rec.ID)
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		m.removeLocked(rec)
	}
	return nil
}

func (m *MemoryStore) DeleteUnclaimed(ctx context.Context, id string, now time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.Claimed(now) {
		return nil, nil
	}
	m.removeLocked(rec)
	return rec.Clone(), nil
}

func (m *MemoryStore) ExpiringBefore(ctx context.Context, bound time.Time, limit int) ([]ExpiryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := sort.Search(len(m.index), func(i int) bool { return m.index[i].ExpiresAt.After(bound) })
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]ExpiryEntry, n)
	copy(out, m.index[:n])
	return out, nil
}

func (m *MemoryStore) ClaimForExpiration(ctx context.Context, id, claimant string, now time.Time, d time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	return applyClaim(rec, claimant, now, d), nil
}

func (m *MemoryStore) MarkExpired(ctx context.Context, id, claimant string, now time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	entry := ExpiryEntry{SessionID: rec.ID, ExpiresAt: rec.ExpiresAt}
	if err := applyExpire(rec, claimant, now); err != nil {
		return nil, err
	}
	m.indexRemove(entry)
	return rec.Clone(), nil
}

func (m *MemoryStore) Activate(ctx context.Context, id string, startedAt time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyActivate(rec, startedAt); err != nil {
		return nil, err
	}
	m.indexInsert(ExpiryEntry{SessionID: rec.ID, ExpiresAt: rec.ExpiresAt})
	return rec.Clone(), nil
}

func (m *MemoryStore) Extend(ctx context.Context, id string, d time.Duration, now time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	old := ExpiryEntry{SessionID: rec.ID, ExpiresAt: rec.ExpiresAt}
	if err := applyExtend(rec, d, now); err != nil {
		return nil, err
	}
	m.indexRemove(old)
	m.indexInsert(ExpiryEntry{SessionID: rec.ID, ExpiresAt: rec.ExpiresAt})
	return rec.Clone(), nil
}

func (m *MemoryStore) FindByDevice(ctx context.Context, addr string) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.devices[model.CanonicalAddr(addr)]
	out := make([]*model.Session, 0, len(ids))
	for id := range ids {
		out = append(out, m.sessions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FindBySubscription(ctx context.Context, subscriptionID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.subs[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.leases[key]; ok && now.Before(ls.exp) && ls.owner != owner {
		return &lease{key: key, owner: ls.owner, expires: ls.exp}, false, nil
	}
	exp := now.Add(ttl)
	m.leases[key] = leaseState{owner: owner, exp: exp}
	return &lease{key: key, owner: owner, expires: exp}, true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.leases[key]; ok && ls.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
