// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ManuGH/qodbroker/internal/domain/qod/profiles"
	"github.com/ManuGH/qodbroker/internal/netutil"
)

// Validate checks a fully merged configuration. All problems are reported
// together.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch cfg.Store.Backend {
	case "memory":
	case "sqlite", "badger":
		if cfg.Store.Path == "" {
			add("store.path is required for backend %s", cfg.Store.Backend)
		}
	case "redis":
		if cfg.Store.Redis.Addr == "" {
			add("store.redis.addr is required")
		}
	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			add("store.postgres.dsn is required")
		}
	default:
		add("store.backend: unknown backend %q", cfg.Store.Backend)
	}

	s := cfg.Session
	if s.MinDuration < 0 || s.MaxDuration < 0 {
		add("session durations must not be negative")
	}
	if s.MaxDuration > 0 && s.MinDuration > s.MaxDuration {
		add("session.min_duration %s exceeds session.max_duration %s", s.MinDuration, s.MaxDuration)
	}
	if s.RequestTimeout <= 0 {
		add("session.request_timeout must be positive")
	}

	sc := cfg.Scheduler
	if sc.Interval <= 0 {
		add("scheduler.interval must be positive")
	}
	if sc.Lookahead < 0 {
		add("scheduler.lookahead must not be negative")
	}
	if sc.Workers <= 0 {
		add("scheduler.workers must be positive")
	}
	if sc.RunLockTTL <= 0 {
		add("scheduler.run_lock_ttl must be positive")
	}
	// A claim must outlive the wait for a look-ahead candidate plus one sink attempt.
	if minLease := sc.Lookahead + cfg.Notifications.SinkTimeout; sc.ClaimLease <= minLease {
		add("scheduler.claim_lease %s must exceed lookahead + sink_timeout (%s)", sc.ClaimLease, minLease)
	}
	switch sc.Retention {
	case "delete":
	case "archive":
		if sc.ArchiveDir == "" {
			add("scheduler.archive_dir is required for retention archive")
		}
	default:
		add("scheduler.retention: unknown value %q", sc.Retention)
	}

	n := cfg.Notifications
	if n.Topic == "" {
		add("notifications.topic is required")
	}
	if u, err := url.Parse(n.SourceURI); err != nil || u.Scheme == "" {
		add("notifications.source_uri must be an absolute URI, got %q", n.SourceURI)
	}
	switch n.Broker {
	case "memory":
	case "redis":
		if cfg.Store.Redis.Addr == "" {
			add("notifications.broker redis needs store.redis.addr")
		}
	default:
		add("notifications.broker: unknown broker %q", n.Broker)
	}
	switch n.Redelivery {
	case "none", "broker-replay":
	default:
		add("notifications.redelivery: unknown policy %q", n.Redelivery)
	}
	if n.SinkTimeout <= 0 {
		add("notifications.sink_timeout must be positive")
	}
	if n.SinkRate < 0 || n.SinkBurst < 0 {
		add("notifications.sink_rate and sink_burst must not be negative")
	}

	a := cfg.Availability
	switch a.Provider {
	case "fake":
	case "http":
		if u, err := url.Parse(a.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			add("availability.base_url must be an http(s) URL, got %q", a.BaseURL)
		}
		if a.JWTSecret == "" {
			add("availability.jwt_secret is required for provider http")
		}
	default:
		add("availability.provider: unknown provider %q", a.Provider)
	}

	if len(cfg.Profiles) > 0 {
		if _, err := profiles.NewCatalog(cfg.Profiles); err != nil {
			add("profiles: %v", err)
		}
	}

	if strings.TrimSpace(cfg.Ops.Listen) == "" {
		add("ops.listen is required")
	}
	if err := validateCIDRList("ops.allowed_cidrs", cfg.Ops.AllowedCIDRs); err != nil {
		errs = append(errs, err)
	}
	if cfg.Ops.RateLimit < 0 {
		add("ops.rate_limit must not be negative")
	}

	t := cfg.Telemetry
	if t.Enabled {
		if t.Exporter != "grpc" && t.Exporter != "http" {
			add("telemetry.exporter: unknown exporter %q", t.Exporter)
		}
		if t.Endpoint == "" {
			add("telemetry.endpoint is required when telemetry is enabled")
		}
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		add("telemetry.sampling_rate must be within [0,1]")
	}

	return errors.Join(errs...)
}

// validateCIDRList rejects entries that are not IPs or prefixes, and
// trust-all networks that would make the allow-list meaningless.
func validateCIDRList(key string, entries []string) error {
	if _, err := netutil.ParseAllowList(entries); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	for _, entry := range entries {
		e := strings.TrimSpace(entry)
		if e == "0.0.0.0/0" || e == "::/0" {
			return fmt.Errorf("%s contains forbidden CIDR %q (allow-all is not allowed)", key, e)
		}
	}
	return nil
}
