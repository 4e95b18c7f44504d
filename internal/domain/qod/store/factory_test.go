// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore_Backends(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		opts Options
		want any
	}{
		{"memory", Options{Backend: "memory"}, &MemoryStore{}},
		{"default is sqlite", Options{Path: filepath.Join(t.TempDir(), "s.sqlite")}, &SqliteStore{}},
		{"badger", Options{Backend: "badger", Path: t.TempDir()}, &BadgerStore{}},
		{"redis", Options{Backend: "redis", Redis: RedisConfig{Addr: mr.Addr(), Prefix: "t:"}}, &RedisStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := OpenStore(ctx, tt.opts, zerolog.Nop())
			require.NoError(t, err)
			defer func() { _ = s.Close() }()
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestOpenStore_Rejects(t *testing.T) {
	ctx := context.Background()
	for _, opts := range []Options{
		{Backend: "bolt"},
		{Backend: "sqlite"},
		{Backend: "postgres"},
	} {
		s, err := OpenStore(ctx, opts, zerolog.Nop())
		assert.Error(t, err, opts.Backend)
		assert.Nil(t, s)
	}
}
