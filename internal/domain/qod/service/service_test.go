// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/qodbroker/internal/availability"
	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	"github.com/ManuGH/qodbroker/internal/domain/qod/profiles"
	"github.com/ManuGH/qodbroker/internal/domain/qod/store"
	"github.com/ManuGH/qodbroker/internal/netutil"
	"github.com/ManuGH/qodbroker/internal/notify"
)

type sentEvent struct {
	SessionID string
	Status    notify.QosStatus
	Info      notify.StatusInfo
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recordingNotifier) Notify(_ context.Context, s *model.Session, status notify.QosStatus, info notify.StatusInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{SessionID: s.ID, Status: status, Info: info})
	return nil
}

func (r *recordingNotifier) events() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentEvent(nil), r.sent...)
}

type fixture struct {
	svc      *Service
	store    store.Store
	avail    *availability.FakeClient
	notifier *recordingNotifier
	now      time.Time
}

var t0 = time.Unix(1000, 0).UTC()

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	f := &fixture{
		store:    st,
		avail:    availability.NewFakeClient(),
		notifier: &recordingNotifier{},
		now:      t0,
	}
	f.svc = New(Config{
		MinDuration:    time.Second,
		MaxDuration:    time.Hour,
		RequestTimeout: time.Second,
		NotifyOnCreate: true,
		NotifyOnDelete: true,
		SinkPolicy:     netutil.SinkPolicy{AllowHTTP: true},
	}, st, profiles.MustCatalog(profiles.Defaults()), f.avail, f.notifier, zerolog.Nop())
	f.svc.Now = func() time.Time { return f.now }
	seq := 0
	f.svc.NewID = func() string {
		seq++
		return fmt.Sprintf("sess-%d", seq)
	}
	return f
}

func request(device, as string) CreateRequest {
	return CreateRequest{
		Device:            model.Device{Addr: device, Ports: []model.PortRange{{From: 5000, To: 5010}}},
		ApplicationServer: model.ApplicationServer{Addr: as},
		QosProfile:        "QOS_L",
		Duration:          120 * time.Second,
		SinkURL:           "https://sink.example.com/cb",
		SinkCredential:    &model.AccessTokenCredential{AccessToken: "tok", AccessTokenType: "bearer"},
	}
}

func TestCreate_ActiveSessionIsIndexed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, s.Status)
	assert.Equal(t, t0, s.StartedAt)
	assert.Equal(t, time.Unix(1120, 0).UTC(), s.ExpiresAt)
	assert.True(t, f.avail.Active(s.SubscriptionID))

	entries, err := f.store.ExpiringBefore(ctx, time.Unix(2000, 0), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, s.ID, entries[0].SessionID)

	assert.Equal(t, []sentEvent{{SessionID: s.ID, Status: notify.QosStatusAvailable}}, f.notifier.events())
}

func TestCreate_ValidationFailsBeforeReserving(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"zero duration", func(r *CreateRequest) { r.Duration = 0 }, model.ErrDurationOutOfRange},
		{"above max", func(r *CreateRequest) { r.Duration = 2 * time.Hour }, model.ErrDurationOutOfRange},
		{"unknown profile", func(r *CreateRequest) { r.QosProfile = "QOS_X" }, model.ErrInvalidArgument},
		{"bad device", func(r *CreateRequest) { r.Device.Addr = "not-an-ip" }, model.ErrInvalidArgument},
		{"bad ports", func(r *CreateRequest) { r.Device.Ports = []model.PortRange{{From: 10, To: 5}} }, model.ErrInvalidArgument},
		{"bad sink", func(r *CreateRequest) { r.SinkURL = "ftp://sink.example.com" }, model.ErrInvalidArgument},
		{"credential without sink", func(r *CreateRequest) { r.SinkURL = "" }, model.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := request("10.0.0.1", "192.0.2.10")
			tc.mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			require.ErrorIs(t, err, tc.want)
			assert.Zero(t, f.avail.ReserveCalls())
		})
	}
}

func TestCreate_DurationCodeIsPublic(t *testing.T) {
	f := newFixture(t, nil)
	req := request("10.0.0.1", "192.0.2.10")
	req.Duration = 0
	_, err := f.svc.Create(context.Background(), req)

	var me *model.Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, model.CodeDurationOutOfRange, me.Code)
}

func TestCreate_SamePairIsNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, request("::ffff:10.0.0.1", "192.0.2.10"))
	require.ErrorIs(t, err, model.ErrNotAllowed)
	assert.Equal(t, 1, f.avail.ReserveCalls())

	_, err = f.svc.Create(ctx, request("10.0.0.1", "192.0.2.11"))
	require.NoError(t, err)
}

func TestCreate_UpstreamErrorsAreTranslated(t *testing.T) {
	f := newFixture(t, nil)
	f.avail.ReserveErr = &availability.UpstreamError{Sentinel: availability.ErrDeviceNotFound, Operation: "reserve", Status: 404}

	_, err := f.svc.Create(context.Background(), request("10.0.0.1", "192.0.2.10"))
	require.ErrorIs(t, err, model.ErrDeviceNotFound)
	require.ErrorIs(t, err, availability.ErrDeviceNotFound)

	var me *model.Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, model.CodeDeviceNotFound, me.Code)
}

type failingCreateStore struct {
	store.Store
	err error
}

func (s failingCreateStore) Create(context.Context, *model.Session) error { return s.err }

func TestCreate_StoreFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, failingCreateStore{Store: store.NewMemoryStore(), err: errors.New("disk full")})

	_, err := f.svc.Create(context.Background(), request("10.0.0.1", "192.0.2.10"))
	require.ErrorIs(t, err, model.ErrInternal)

	released := f.avail.Released()
	require.Len(t, released, 1)
	assert.False(t, f.avail.Active(released[0]))
	assert.Empty(t, f.notifier.events())
}

func TestCreate_RequestedThenConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	f.avail.InitialStatus = availability.StatusRequested
	ctx := context.Background()

	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequested, s.Status)
	assert.Empty(t, f.notifier.events())

	entries, err := f.store.ExpiringBefore(ctx, time.Unix(1<<40, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	same, err := f.svc.ConfirmAvailability(ctx, s.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequested, same.Status)

	f.avail.SetStatus(s.SubscriptionID, availability.StatusAvailable)
	f.now = time.Unix(1030, 0).UTC()
	active, err := f.svc.ConfirmAvailability(ctx, s.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, active.Status)
	assert.Equal(t, time.Unix(1150, 0).UTC(), active.ExpiresAt)
	assert.Equal(t, []sentEvent{{SessionID: s.ID, Status: notify.QosStatusAvailable}}, f.notifier.events())
}

func TestConfirmAvailability_UnavailableDropsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.avail.InitialStatus = availability.StatusRequested
	ctx := context.Background()

	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)
	f.avail.SetStatus(s.SubscriptionID, availability.StatusUnavailable)

	out, err := f.svc.ConfirmAvailability(ctx, s.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, out.Status)

	_, err = f.svc.Get(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, []sentEvent{{SessionID: s.ID, Status: notify.QosStatusUnavailable}}, f.notifier.events())
}

func TestExtend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	f.now = time.Unix(1060, 0).UTC()
	ext, err := f.svc.Extend(ctx, s.ID, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 180*time.Second, ext.Duration)
	assert.Equal(t, time.Unix(1180, 0).UTC(), ext.ExpiresAt)

	_, err = f.svc.Extend(ctx, s.ID, 0)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestExtend_BeyondMaximumIsNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	_, err = f.svc.Extend(ctx, s.ID, 10*time.Hour)
	require.ErrorIs(t, err, model.ErrNotAllowed)
	var me *model.Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, model.CodeSessionExtensionNotAllowed, me.Code)

	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, got.Duration)
	assert.Equal(t, s.ExpiresAt, got.ExpiresAt)

	ext, err := f.svc.Extend(ctx, s.ID, time.Hour-120*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ext.Duration)
}

func TestExtend_ClaimedSessionIsNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	ok, err := f.store.ClaimForExpiration(ctx, s.ID, "sched-a", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Extend(ctx, s.ID, time.Minute)
	require.ErrorIs(t, err, model.ErrNotAllowed)
	var me *model.Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, model.CodeSessionExtensionNotAllowed, me.Code)
}

func TestDelete_ReleasesAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, s.ID))
	assert.False(t, f.avail.Active(s.SubscriptionID))

	_, err = f.svc.Get(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	entries, err := f.store.ExpiringBefore(ctx, time.Unix(1<<40, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	events := f.notifier.events()
	require.Len(t, events, 2)
	assert.Equal(t, sentEvent{SessionID: s.ID, Status: notify.QosStatusUnavailable, Info: notify.StatusInfoDeleteRequested}, events[1])
}

func TestDelete_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, s.ID))
	require.NoError(t, f.svc.Delete(ctx, s.ID))
	require.NoError(t, f.svc.Delete(ctx, "sess-unknown"))

	assert.Len(t, f.notifier.events(), 2)
	assert.Len(t, f.avail.Released(), 1)
}

func TestDelete_AfterExpirationRemovedRecordIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	now := time.Unix(1120, 0).UTC()
	ok, err := f.store.ClaimForExpiration(ctx, s.ID, "sched-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.store.MarkExpired(ctx, s.ID, "sched-a", now)
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, s.ID))

	require.NoError(t, f.svc.Delete(ctx, s.ID))
	assert.Len(t, f.notifier.events(), 1)
}

// activatingStore hands out a stale read and activates the session right
// after, standing in for a ConfirmAvailability that lands mid-delete.
type activatingStore struct {
	store.Store
	now time.Time
}

func (s activatingStore) Get(ctx context.Context, id string) (*model.Session, error) {
	stale, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stale.Status == model.StatusRequested {
		if _, err := s.Store.Activate(ctx, id, s.now); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

func TestDelete_UsesStatusOfRemovedRecord(t *testing.T) {
	f := newFixture(t, activatingStore{Store: store.NewMemoryStore(), now: t0})
	f.avail.InitialStatus = availability.StatusRequested
	ctx := context.Background()

	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)
	require.Equal(t, model.StatusRequested, s.Status)

	require.NoError(t, f.svc.Delete(ctx, s.ID))
	assert.Equal(t, []sentEvent{{SessionID: s.ID, Status: notify.QosStatusUnavailable, Info: notify.StatusInfoDeleteRequested}}, f.notifier.events())
}

func TestDelete_AfterClaimIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)

	ok, err := f.store.ClaimForExpiration(ctx, s.ID, "sched-a", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.svc.Delete(ctx, s.ID))

	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.True(t, f.avail.Active(s.SubscriptionID))
	assert.Len(t, f.notifier.events(), 1)
}

func TestFindByDevice_OnlyLiveSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.svc.Create(ctx, request("10.0.0.1", "192.0.2.10"))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, request("10.0.0.1", "192.0.2.11"))
	require.NoError(t, err)

	ok, err := f.store.ClaimForExpiration(ctx, a.ID, "sched", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.store.MarkExpired(ctx, a.ID, "sched", t0)
	require.NoError(t, err)

	live, err := f.svc.FindByDevice(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.NotEqual(t, a.ID, live[0].ID)
}

func TestGet_RejectsUnsafeID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
