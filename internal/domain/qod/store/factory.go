// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Options selects and parameterises a Store backend.
type Options struct {
	Backend     string // memory | sqlite | badger | redis | postgres
	Path        string // sqlite file or badger directory
	Redis       RedisConfig
	PostgresDSN string
}

// OpenStore creates a Store based on the backend configuration.
func OpenStore(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	backend := opts.Backend
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires store.path")
		}
		return wrapOpen(NewSqliteStore(opts.Path))
	case "badger":
		return wrapOpen(OpenBadgerStore(opts.Path))
	case "redis":
		return wrapOpen(NewRedisStore(opts.Redis, logger))
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires store.postgres.dsn")
		}
		return wrapOpen(OpenPostgresStore(ctx, opts.PostgresDSN))
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

// wrapOpen keeps a failed constructor from leaking a typed nil into Store.
func wrapOpen[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
