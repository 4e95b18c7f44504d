// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, activeSession("a", t0, time.Minute)))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Device.Ports[0].From = 1
	got.Status = "MUTATED"

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5000, again.Device.Ports[0].From)
	assert.Equal(t, "ACTIVE", string(again.Status))
}

func TestMemoryStore_EqualExpiryOrdersByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Create(ctx, activeSession(id, t0, time.Minute)))
	}
	require.NoError(t, s.Delete(ctx, "b"))
	assert.Equal(t, []string{"a", "c"}, indexIDs(t, s, farFuture))
}
