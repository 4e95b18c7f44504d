// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package availability

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakeClient is an in-memory Client for tests and local development. It
// records releases so callers can assert compensation paths.
type FakeClient struct {
	mu sync.Mutex

	// InitialStatus is returned by Reserve; empty means AVAILABLE.
	InitialStatus Status
	// ReserveErr and ReleaseErr, when set, are returned by the next calls.
	ReserveErr error
	ReleaseErr error

	reservations map[string]Status
	released     []string
	reserveCalls int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{reservations: make(map[string]Status)}
}

func (f *FakeClient) Reserve(_ context.Context, req ReserveRequest) (Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserveCalls++
	if f.ReserveErr != nil {
		return Reservation{}, f.ReserveErr
	}
	id := req.SubscriptionID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := f.reservations[id]; ok {
		return Reservation{}, &UpstreamError{Sentinel: ErrConflict, Operation: "reserve", Status: 409}
	}
	status := f.InitialStatus
	if status == "" {
		status = StatusAvailable
	}
	f.reservations[id] = status
	return Reservation{SubscriptionID: id, Status: status}, nil
}

func (f *FakeClient) Check(_ context.Context, subscriptionID string) (Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.reservations[subscriptionID]
	if !ok {
		return Reservation{}, &UpstreamError{Sentinel: ErrNotFound, Operation: "check", Status: 404}
	}
	return Reservation{SubscriptionID: subscriptionID, Status: status}, nil
}

func (f *FakeClient) Release(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReleaseErr != nil {
		return f.ReleaseErr
	}
	delete(f.reservations, subscriptionID)
	f.released = append(f.released, subscriptionID)
	return nil
}

// SetStatus changes the upstream status of a reservation.
func (f *FakeClient) SetStatus(subscriptionID string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservations[subscriptionID] = status
}

// Released returns the subscription IDs released so far, in order.
func (f *FakeClient) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// Active reports whether subscriptionID is still reserved.
func (f *FakeClient) Active(subscriptionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reservations[subscriptionID]
	return ok
}

// ReserveCalls returns how many times Reserve was called.
func (f *FakeClient) ReserveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserveCalls
}

var _ Client = (*FakeClient)(nil)
