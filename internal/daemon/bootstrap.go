// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon assembles the broker from configuration and runs it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/qodbroker/internal/archive"
	"github.com/ManuGH/qodbroker/internal/availability"
	"github.com/ManuGH/qodbroker/internal/config"
	"github.com/ManuGH/qodbroker/internal/domain/qod/profiles"
	"github.com/ManuGH/qodbroker/internal/domain/qod/scheduler"
	"github.com/ManuGH/qodbroker/internal/domain/qod/service"
	"github.com/ManuGH/qodbroker/internal/domain/qod/store"
	"github.com/ManuGH/qodbroker/internal/health"
	"github.com/ManuGH/qodbroker/internal/log"
	"github.com/ManuGH/qodbroker/internal/netutil"
	"github.com/ManuGH/qodbroker/internal/notify"
	"github.com/ManuGH/qodbroker/internal/ops"
	"github.com/ManuGH/qodbroker/internal/telemetry"
)

// Runtime is the assembled broker. Service is the lifecycle entry point for
// an embedding API layer; the daemon itself only drives the scheduler.
// Broker carries every lifecycle event; with the memory broker in-process
// consumers subscribe to it through MemoryBroker.
type Runtime struct {
	Config     config.AppConfig
	InstanceID string
	Store      store.Store
	Broker     notify.Publisher
	Service    *service.Service
	Scheduler  *scheduler.Scheduler
	Health     *health.Manager
	Handler    http.Handler

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

func (rt *Runtime) onClose(name string, fn func(ctx context.Context) error) {
	rt.closers = append(rt.closers, namedCloser{name: name, close: fn})
}

// MemoryBroker returns the in-process broker, if that is the configured one.
func (rt *Runtime) MemoryBroker() (*notify.MemoryBroker, bool) {
	mb, ok := rt.Broker.(*notify.MemoryBroker)
	return mb, ok
}

// Close releases resources in reverse acquisition order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		c := rt.closers[i]
		if err := c.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// ResolveInstanceID returns configured, or hostname plus a random suffix so
// that two processes on one host never share a bookkeeper identity.
func ResolveInstanceID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "qodbroker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Bootstrap builds every component from cfg. On error, anything already
// opened is closed again.
func Bootstrap(ctx context.Context, cfg config.AppConfig) (_ *Runtime, err error) {
	log.Reconfigure(log.Config{
		Level:   cfg.Log.Level,
		Service: cfg.Log.Service,
		Version: cfg.Version,
	})
	logger := log.WithComponent("daemon")

	rt := &Runtime{Config: cfg, InstanceID: ResolveInstanceID(cfg.InstanceID)}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Log.Service,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt.onClose("telemetry", tp.Shutdown)

	st, err := store.OpenStore(ctx, store.Options{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		Redis: store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		},
		PostgresDSN: cfg.Store.Postgres.DSN,
	}, log.WithComponent("store"))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	rt.Store = st
	rt.onClose("store", func(context.Context) error { return st.Close() })

	broker, err := newBroker(cfg, log.WithComponent("broker"))
	if err != nil {
		return nil, err
	}
	rt.Broker = broker
	rt.onClose("broker", func(context.Context) error { return broker.Close() })

	n := cfg.Notifications
	sink := notify.NewHTTPSink(notify.HTTPSinkConfig{
		Timeout: n.SinkTimeout,
		Rate:    n.SinkRate,
		Burst:   n.SinkBurst,
	}, log.WithComponent("sink"))
	dispatcher := notify.NewDispatcher(notify.Config{
		Source:     n.SourceURI,
		Topic:      n.Topic,
		Redelivery: notify.RedeliveryPolicy(n.Redelivery),
	}, broker, sink, log.WithComponent("notify"))

	avail, err := newAvailability(cfg.Availability)
	if err != nil {
		return nil, err
	}

	list := cfg.Profiles
	if len(list) == 0 {
		list = profiles.Defaults()
	}
	catalog, err := profiles.NewCatalog(list)
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}

	rt.Service = service.New(service.Config{
		MinDuration:    cfg.Session.MinDuration,
		MaxDuration:    cfg.Session.MaxDuration,
		RequestTimeout: cfg.Session.RequestTimeout,
		NotifyOnCreate: n.NotifyOnCreate,
		NotifyOnDelete: n.NotifyOnDelete,
		SinkPolicy: netutil.SinkPolicy{
			AllowHTTP:    n.AllowHTTPSinks,
			AllowPrivate: n.AllowPrivateSinks,
		},
	}, st, catalog, avail, dispatcher, log.WithComponent("service"))

	sc := cfg.Scheduler
	var archiver scheduler.Archiver
	if scheduler.Retention(sc.Retention) == scheduler.RetentionArchive {
		fa, err := archive.NewFileArchiver(sc.ArchiveDir, log.WithComponent("archive"))
		if err != nil {
			return nil, err
		}
		archiver = fa
	}
	var releaser scheduler.Releaser
	if sc.ReleaseOnExpiry {
		releaser = avail
	}
	rt.Scheduler, err = scheduler.New(scheduler.Config{
		BookkeeperID:    rt.InstanceID,
		Interval:        sc.Interval,
		Lookahead:       sc.Lookahead,
		ClaimLease:      sc.ClaimLease,
		RunLockTTL:      sc.RunLockTTL,
		Workers:         sc.Workers,
		BatchSize:       sc.BatchSize,
		Retention:       scheduler.Retention(sc.Retention),
		ReleaseOnExpiry: sc.ReleaseOnExpiry,
	}, st, dispatcher, archiver, releaser, log.WithComponent("scheduler"))
	if err != nil {
		return nil, err
	}

	rt.Health = newHealth(cfg, rt)

	allow, err := netutil.ParseAllowList(cfg.Ops.AllowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("ops.allowed_cidrs: %w", err)
	}
	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = cfg.Log.Service
	}
	rt.Handler = ops.NewRouter(ops.Config{
		ServiceName: tracingService,
		Health:      rt.Health,
		AllowList:   allow,
		RateLimit:   cfg.Ops.RateLimit,
	})

	logger.Info().
		Str(log.FieldInstanceID, rt.InstanceID).
		Str("store", cfg.Store.Backend).
		Str("broker", n.Broker).
		Str("availability", cfg.Availability.Provider).
		Int("profiles", catalog.Len()).
		Msg("runtime assembled")
	return rt, nil
}

func newBroker(cfg config.AppConfig, logger zerolog.Logger) (notify.Publisher, error) {
	switch cfg.Notifications.Broker {
	case "", "memory":
		return notify.NewMemoryBroker(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return notify.NewRedisStreamBroker(client, cfg.Notifications.StreamMaxLen, true, logger), nil
	default:
		return nil, fmt.Errorf("unknown notification broker %q", cfg.Notifications.Broker)
	}
}

func newAvailability(cfg config.AvailabilityConfig) (availability.Client, error) {
	switch cfg.Provider {
	case "", "fake":
		return availability.NewFakeClient(), nil
	case "http":
		c, err := availability.NewHTTPClient(availability.HTTPConfig{
			BaseURL:          cfg.BaseURL,
			Timeout:          cfg.Timeout,
			ClientID:         cfg.ClientID,
			JWTSecret:        cfg.JWTSecret,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerReset:     cfg.BreakerReset,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown availability provider %q", cfg.Provider)
	}
}

func newHealth(cfg config.AppConfig, rt *Runtime) *health.Manager {
	hm := health.NewManager(cfg.Version, rt.InstanceID)
	hm.RegisterChecker(health.NewPingChecker("store", rt.Store.Ping))
	if cfg.Store.Backend == "sqlite" {
		hm.RegisterChecker(health.NewSQLiteIntegrityChecker(cfg.Store.Path))
	}
	// Another instance may hold the run lock for a full tick, so allow a few.
	maxAge := 3*cfg.Scheduler.Interval + cfg.Scheduler.RunLockTTL
	hm.RegisterChecker(health.NewSweepChecker(rt.Scheduler.LastSweep, maxAge))
	if cfg.Scheduler.Retention == string(scheduler.RetentionArchive) {
		hm.RegisterChecker(health.NewWritableDirChecker("archive_dir", cfg.Scheduler.ArchiveDir))
	}
	return hm
}

// Run bootstraps cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg config.AppConfig) error {
	rt, err := Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}

	logger := log.WithComponent("daemon")
	mgr, err := NewManager(DefaultServerConfig(cfg.Ops.Listen), Deps{
		Logger:     logger,
		OpsHandler: rt.Handler,
	})
	if err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))
		return err
	}

	app := NewApp(logger, mgr, rt.Scheduler)
	// The store and broker outlive the scheduler's in-flight expirations.
	app.OnStop("runtime", func(ctx context.Context) error {
		closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return rt.Close(closeCtx)
	})
	return app.Run(ctx)
}
