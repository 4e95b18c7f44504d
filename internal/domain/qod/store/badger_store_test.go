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

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestBadgerStore(t) })
}

func TestBadgerStore_ExpiryKeysSortByTime(t *testing.T) {
	// 999ms must sort before 1000ms once zero padded
	a := badgerExpiryKey("x", time.UnixMilli(999))
	b := badgerExpiryKey("x", time.UnixMilli(1000))
	assert.Less(t, string(a), string(b))

	e, err := parseExpiryKey(b)
	require.NoError(t, err)
	assert.Equal(t, "x", e.SessionID)
	assert.Equal(t, int64(1000), e.ExpiresAt.UnixMilli())

	_, err = parseExpiryKey([]byte("exp/garbage"))
	assert.Error(t, err)
}

func TestBadgerStore_OnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, activeSession("a", t0, time.Minute)))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "sub-a", got.SubscriptionID)
	assert.Equal(t, []string{"a"}, indexIDs(t, s, farFuture))
}
