// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

var t0 = time.Unix(1000, 0).UTC()

func activeSession(id string, startedAt time.Time, d time.Duration) *model.Session {
	s := &model.Session{
		ID:                id,
		SubscriptionID:    "sub-" + id,
		StartedAt:         startedAt,
		Duration:          d,
		Device:            model.Device{Addr: "10.0.0.1", Ports: []model.PortRange{{From: 5000, To: 5010}}},
		ApplicationServer: model.ApplicationServer{Addr: "192.0.2.10"},
		QosProfile:        "QOS_L",
		SinkURL:           "https://sink.example/notify",
		SinkCredential:    &model.AccessTokenCredential{AccessToken: "tok", AccessTokenType: "bearer"},
		Status:            model.StatusActive,
		CreatedAt:         startedAt,
		UpdatedAt:         startedAt,
	}
	s.ComputeExpiry()
	return s
}

func indexIDs(t *testing.T, s Store, bound time.Time) []string {
	t.Helper()
	entries, err := s.ExpiringBefore(context.Background(), bound, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.SessionID)
	}
	return ids
}

var farFuture = t0.Add(24 * time.Hour)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateGetComputesExpiry", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("a", t0, 120*time.Second)))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(1120), got.ExpiresAt.Unix())
		assert.Equal(t, model.StatusActive, got.Status)
		assert.Equal(t, "10.0.0.1", got.Device.Addr)
		assert.Equal(t, []model.PortRange{{From: 5000, To: 5010}}, got.Device.Ports)
		cred, ok := got.SinkCredential.(*model.AccessTokenCredential)
		require.True(t, ok)
		assert.Equal(t, "tok", cred.AccessToken)
		assert.Equal(t, []string{"a"}, indexIDs(t, s, farFuture))
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateConflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("a", t0, time.Minute)))
		assert.ErrorIs(t, s.Create(ctx, activeSession("a", t0, time.Minute)), ErrConflict)

		dupSub := activeSession("b", t0, time.Minute)
		dupSub.SubscriptionID = "sub-a"
		assert.ErrorIs(t, s.Create(ctx, dupSub), ErrConflict)
		_, err := s.Get(ctx, "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateRejectsTerminal", func(t *testing.T) {
		s := newStore(t)
		rec := activeSession("a", t0, time.Minute)
		rec.Status = model.StatusExpired
		assert.ErrorIs(t, s.Create(ctx, rec), ErrNotAllowed)
	})

	t.Run("RequestedIsNotIndexedUntilActivated", func(t *testing.T) {
		s := newStore(t)
		rec := activeSession("a", t0, 120*time.Second)
		rec.Status = model.StatusRequested
		require.NoError(t, s.Create(ctx, rec))
		assert.Empty(t, indexIDs(t, s, farFuture))

		started := t0.Add(30 * time.Second)
		got, err := s.Activate(ctx, "a", started)
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)
		assert.Equal(t, int64(1150), got.ExpiresAt.Unix())

		entries, err := s.ExpiringBefore(ctx, farFuture, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(1150), entries[0].ExpiresAt.Unix())

		_, err = s.Activate(ctx, "a", started)
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("ExpiringBeforeOrderBoundAndLimit", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("late", t0, 300*time.Second)))
		require.NoError(t, s.Create(ctx, activeSession("early", t0, 60*time.Second)))
		require.NoError(t, s.Create(ctx, activeSession("mid", t0, 120*time.Second)))

		assert.Equal(t, []string{"early", "mid", "late"}, indexIDs(t, s, farFuture))
		// bound is inclusive
		assert.Equal(t, []string{"early", "mid"}, indexIDs(t, s, t0.Add(120*time.Second)))
		assert.Empty(t, indexIDs(t, s, t0.Add(59*time.Second)))

		limited, err := s.ExpiringBefore(ctx, farFuture, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "early", limited[0].SessionID)
		assert.Equal(t, "mid", limited[1].SessionID)
	})

	t.Run("ClaimIsExclusiveUntilLeaseLapses", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("a", t0, 120*time.Second)))
		now := t0.Add(130 * time.Second)

		ok, err := s.ClaimForExpiration(ctx, "a", "node-1", now, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimForExpiration(ctx, "a", "node-2", now.Add(30*time.Second), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ClaimForExpiration(ctx, "a", "node-2", now.Add(time.Minute), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "node-2", got.BookkeeperID)
		assert.Equal(t, now.Add(2*time.Minute).UnixMilli(), got.ExpirationLockUntil.UnixMilli())
	})

	t.Run("ClaimMissing", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.ClaimForExpiration(ctx, "gone", "node-1", t0, time.Minute)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("a", t0, 120*time.Second)))
		now := t0.Add(200 * time.Second)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.ClaimForExpiration(ctx, "a", fmt.Sprintf("node-%d", i), now, time.Minute)
				if err == nil && ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("MarkExpiredRequiresClaimant", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("a", t0, 120*time.Second)))
		now := t0.Add(130 * time.Second)

		_, err := s.MarkExpired(ctx, "a", "node-1", now)
		assert.ErrorIs(t, err, ErrNotAllowed)

		ok, err := s.ClaimForExpiration(ctx, "a", "node-1", now, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = s.MarkExpired(ctx, "a", "node-2", now)
		assert.ErrorIs(t, err, ErrNotAllowed)

		got, err := s.MarkExpired(ctx, "a", "node-1", now)
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, got.Status)
		assert.Empty(t, indexIDs(t, s, farFuture))

		stored, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, stored.Status)

		ok, err = s.ClaimForExpiration(ctx, "a", "node-3", now.Add(time.Hour), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.MarkExpired(ctx, "missing", "node-1", now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteUnclaimedRespectsClaims", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("free", t0, 120*time.Second)))
		require.NoError(t, s.Create(ctx, activeSession("held", t0, 120*time.Second)))
		now := t0.Add(130 * time.Second)
		ok, err := s.ClaimForExpiration(ctx, "held", "node-1", now, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		deleted, err := s.DeleteUnclaimed(ctx, "free", now)
		require.NoError(t, err)
		require.NotNil(t, deleted)
		assert.Equal(t, "free", deleted.ID)
		assert.Equal(t, model.StatusActive, deleted.Status)
		_, err = s.Get(ctx, "free")
		assert.ErrorIs(t, err, ErrNotFound)

		deleted, err = s.DeleteUnclaimed(ctx, "held", now)
		require.NoError(t, err)
		assert.Nil(t, deleted)
		_, err = s.Get(ctx, "held")
		assert.NoError(t, err)
		assert.Equal(t, []string{"held"}, indexIDs(t, s, farFuture))

		deleted, err = s.DeleteUnclaimed(ctx, "never", now)
		require.NoError(t, err)
		assert.Nil(t, deleted)
	})

	t.Run("DeleteRemovesIndexEntry", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("a", t0, 120*time.Second)))
		require.NoError(t, s.Delete(ctx, "a"))
		assert.Empty(t, indexIDs(t, s, farFuture))
		assert.NoError(t, s.Delete(ctx, "a"))

		// subscription and device entries are released with the record
		require.NoError(t, s.Create(ctx, activeSession("a", t0, 120*time.Second)))
	})

	t.Run("ExtendMovesIndexEntry", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, activeSession("a", t0, 120*time.Second)))
		got, err := s.Extend(ctx, "a", 600*time.Second, t0.Add(10*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(1600), got.ExpiresAt.Unix())
		assert.Empty(t, indexIDs(t, s, t0.Add(599*time.Second)))
		assert.Equal(t, []string{"a"}, indexIDs(t, s, t0.Add(600*time.Second)))

		now := t0.Add(700 * time.Second)
		ok, err := s.ClaimForExpiration(ctx, "a", "node-1", now, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.Extend(ctx, "a", 900*time.Second, now)
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("FindByDeviceAndSubscription", func(t *testing.T) {
		s := newStore(t)
		a := activeSession("a", t0, time.Minute)
		a.Device.Addr = "::ffff:10.0.0.7"
		b := activeSession("b", t0, time.Minute)
		b.Device.Addr = "10.0.0.7"
		c := activeSession("c", t0, time.Minute)
		c.Device.Addr = "10.0.0.8"
		for _, rec := range []*model.Session{a, b, c} {
			require.NoError(t, s.Create(ctx, rec))
		}

		found, err := s.FindByDevice(ctx, "10.0.0.7")
		require.NoError(t, err)
		require.Len(t, found, 2)
		ids := []string{found[0].ID, found[1].ID}
		assert.ElementsMatch(t, []string{"a", "b"}, ids)

		none, err := s.FindByDevice(ctx, "10.9.9.9")
		require.NoError(t, err)
		assert.Empty(t, none)

		bySub, err := s.FindBySubscription(ctx, "sub-c")
		require.NoError(t, err)
		assert.Equal(t, "c", bySub.ID)
		_, err = s.FindBySubscription(ctx, "sub-zzz")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LeaseSingleOwner", func(t *testing.T) {
		s := newStore(t)
		l, ok, err := s.TryAcquireLease(ctx, model.RunLockKey, "node-1", 30*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "node-1", l.Owner())

		l, ok, err = s.TryAcquireLease(ctx, model.RunLockKey, "node-2", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "node-1", l.Owner())

		_, ok, err = s.TryAcquireLease(ctx, model.RunLockKey, "node-1", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "owner may renew")

		require.NoError(t, s.ReleaseLease(ctx, model.RunLockKey, "node-2"))
		_, ok, err = s.TryAcquireLease(ctx, model.RunLockKey, "node-2", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "release by non-owner is a no-op")

		require.NoError(t, s.ReleaseLease(ctx, model.RunLockKey, "node-1"))
		_, ok, err = s.TryAcquireLease(ctx, model.RunLockKey, "node-2", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
