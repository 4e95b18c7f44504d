// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the broker configuration with precedence
// ENV > file > defaults and validates it before use.
package config

import (
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// AppConfig is the complete runtime configuration.
type AppConfig struct {
	InstanceID    string              `yaml:"instance_id"`
	Log           LogConfig           `yaml:"log"`
	Store         StoreConfig         `yaml:"store"`
	Session       SessionConfig       `yaml:"session"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Availability  AvailabilityConfig  `yaml:"availability"`
	Profiles      []model.QosProfile  `yaml:"profiles"`
	Ops           OpsConfig           `yaml:"ops"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`

	// Version is injected from the binary, never read from file.
	Version string `yaml:"-"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // memory|sqlite|badger|redis|postgres
	Path     string         `yaml:"path"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// SessionConfig holds the administrative duration bounds applied on top of
// each profile's own bounds.
type SessionConfig struct {
	MinDuration    time.Duration `yaml:"min_duration"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type SchedulerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Lookahead       time.Duration `yaml:"lookahead"`
	ClaimLease      time.Duration `yaml:"claim_lease"`
	RunLockTTL      time.Duration `yaml:"run_lock_ttl"`
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	Retention       string        `yaml:"retention"` // delete|archive
	ArchiveDir      string        `yaml:"archive_dir"`
	ReleaseOnExpiry bool          `yaml:"release_on_expiry"`
}

type NotificationsConfig struct {
	SourceURI         string        `yaml:"source_uri"`
	Topic             string        `yaml:"topic"`
	Broker            string        `yaml:"broker"` // memory|redis
	StreamMaxLen      int64         `yaml:"stream_max_len"`
	SinkTimeout       time.Duration `yaml:"sink_timeout"`
	SinkRate          float64       `yaml:"sink_rate"`
	SinkBurst         int           `yaml:"sink_burst"`
	Redelivery        string        `yaml:"redelivery"` // none|broker-replay
	NotifyOnCreate    bool          `yaml:"notify_on_create"`
	NotifyOnDelete    bool          `yaml:"notify_on_delete"`
	AllowHTTPSinks    bool          `yaml:"allow_http_sinks"`
	AllowPrivateSinks bool          `yaml:"allow_private_sinks"`
}

type AvailabilityConfig struct {
	Provider         string        `yaml:"provider"` // fake|http
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	ClientID         string        `yaml:"client_id"`
	JWTSecret        string        `yaml:"jwt_secret"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// OpsConfig is the operational HTTP surface (health, readiness, metrics).
type OpsConfig struct {
	Listen       string   `yaml:"listen"`
	AllowedCIDRs []string `yaml:"allowed_cidrs"`
	RateLimit    int      `yaml:"rate_limit"` // requests per minute per IP, 0 disables
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // grpc|http
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
}
