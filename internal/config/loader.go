// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownConfigField classifies strict YAML parse failures caused by
// unknown keys. Use errors.Is instead of string matching.
var ErrUnknownConfigField = errors.New("unknown config field")

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envInt64(key string, defaultVal int64) int64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt64(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, defaultVal)
}

// Load loads configuration with precedence ENV > File > Defaults, then
// validates the result.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)
	cfg.Version = l.version

	if cfg.Store.Backend == "sqlite" || cfg.Store.Backend == "badger" {
		if abs, err := filepath.Abs(cfg.Store.Path); err == nil && cfg.Store.Path != "" {
			cfg.Store.Path = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing: unknown fields
// are fatal so that typos never silently fall back to defaults.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnvConfig applies QOD_* overrides. Every key defaults to the value
// already in cfg, so unset variables leave file and default values intact.
func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.InstanceID = l.envString("QOD_INSTANCE_ID", cfg.InstanceID)
	cfg.Log.Level = l.envString("QOD_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Service = l.envString("QOD_LOG_SERVICE", cfg.Log.Service)

	cfg.Store.Backend = l.envString("QOD_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = l.envString("QOD_STORE_PATH", cfg.Store.Path)
	cfg.Store.Redis.Addr = l.envString("QOD_STORE_REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = l.envString("QOD_STORE_REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = l.envInt("QOD_STORE_REDIS_DB", cfg.Store.Redis.DB)
	cfg.Store.Redis.Prefix = l.envString("QOD_STORE_REDIS_PREFIX", cfg.Store.Redis.Prefix)
	cfg.Store.Postgres.DSN = l.envString("QOD_STORE_POSTGRES_DSN", cfg.Store.Postgres.DSN)

	cfg.Session.MinDuration = l.envDuration("QOD_SESSION_MIN_DURATION", cfg.Session.MinDuration)
	cfg.Session.MaxDuration = l.envDuration("QOD_SESSION_MAX_DURATION", cfg.Session.MaxDuration)
	cfg.Session.RequestTimeout = l.envDuration("QOD_SESSION_REQUEST_TIMEOUT", cfg.Session.RequestTimeout)

	cfg.Scheduler.Interval = l.envDuration("QOD_SCHEDULER_INTERVAL", cfg.Scheduler.Interval)
	cfg.Scheduler.Lookahead = l.envDuration("QOD_SCHEDULER_LOOKAHEAD", cfg.Scheduler.Lookahead)
	cfg.Scheduler.ClaimLease = l.envDuration("QOD_SCHEDULER_CLAIM_LEASE", cfg.Scheduler.ClaimLease)
	cfg.Scheduler.RunLockTTL = l.envDuration("QOD_SCHEDULER_RUN_LOCK_TTL", cfg.Scheduler.RunLockTTL)
	cfg.Scheduler.Workers = l.envInt("QOD_SCHEDULER_WORKERS", cfg.Scheduler.Workers)
	cfg.Scheduler.BatchSize = l.envInt("QOD_SCHEDULER_BATCH_SIZE", cfg.Scheduler.BatchSize)
	cfg.Scheduler.Retention = l.envString("QOD_SCHEDULER_RETENTION", cfg.Scheduler.Retention)
	cfg.Scheduler.ArchiveDir = l.envString("QOD_SCHEDULER_ARCHIVE_DIR", cfg.Scheduler.ArchiveDir)
	cfg.Scheduler.ReleaseOnExpiry = l.envBool("QOD_SCHEDULER_RELEASE_ON_EXPIRY", cfg.Scheduler.ReleaseOnExpiry)

	n := &cfg.Notifications
	n.SourceURI = l.envString("QOD_NOTIFY_SOURCE_URI", n.SourceURI)
	n.Topic = l.envString("QOD_NOTIFY_TOPIC", n.Topic)
	n.Broker = l.envString("QOD_NOTIFY_BROKER", n.Broker)
	n.StreamMaxLen = l.envInt64("QOD_NOTIFY_STREAM_MAX_LEN", n.StreamMaxLen)
	n.SinkTimeout = l.envDuration("QOD_NOTIFY_SINK_TIMEOUT", n.SinkTimeout)
	n.SinkRate = l.envFloat("QOD_NOTIFY_SINK_RATE", n.SinkRate)
	n.SinkBurst = l.envInt("QOD_NOTIFY_SINK_BURST", n.SinkBurst)
	n.Redelivery = l.envString("QOD_NOTIFY_REDELIVERY", n.Redelivery)
	n.NotifyOnCreate = l.envBool("QOD_NOTIFY_ON_CREATE", n.NotifyOnCreate)
	n.NotifyOnDelete = l.envBool("QOD_NOTIFY_ON_DELETE", n.NotifyOnDelete)
	n.AllowHTTPSinks = l.envBool("QOD_NOTIFY_ALLOW_HTTP_SINKS", n.AllowHTTPSinks)
	n.AllowPrivateSinks = l.envBool("QOD_NOTIFY_ALLOW_PRIVATE_SINKS", n.AllowPrivateSinks)

	a := &cfg.Availability
	a.Provider = l.envString("QOD_AVAILABILITY_PROVIDER", a.Provider)
	a.BaseURL = l.envString("QOD_AVAILABILITY_BASE_URL", a.BaseURL)
	a.Timeout = l.envDuration("QOD_AVAILABILITY_TIMEOUT", a.Timeout)
	a.ClientID = l.envString("QOD_AVAILABILITY_CLIENT_ID", a.ClientID)
	a.JWTSecret = l.envString("QOD_AVAILABILITY_JWT_SECRET", a.JWTSecret)
	a.BreakerThreshold = l.envInt("QOD_AVAILABILITY_BREAKER_THRESHOLD", a.BreakerThreshold)
	a.BreakerReset = l.envDuration("QOD_AVAILABILITY_BREAKER_RESET", a.BreakerReset)

	cfg.Ops.Listen = l.envString("QOD_OPS_LISTEN", cfg.Ops.Listen)
	cfg.Ops.AllowedCIDRs = l.envList("QOD_OPS_ALLOWED_CIDRS", cfg.Ops.AllowedCIDRs)
	cfg.Ops.RateLimit = l.envInt("QOD_OPS_RATE_LIMIT", cfg.Ops.RateLimit)

	cfg.Telemetry.Enabled = l.envBool("QOD_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString("QOD_TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString("QOD_TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = l.envString("QOD_TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = l.envFloat("QOD_TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
