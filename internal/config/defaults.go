// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/scheduler"
)

// Defaults returns the configuration used when neither file nor environment
// set a value.
func Defaults() AppConfig {
	return AppConfig{
		Log: LogConfig{Level: "info", Service: "qodbroker"},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "/var/lib/qodbroker/sessions.db",
			Redis:   RedisConfig{Addr: "127.0.0.1:6379", Prefix: "qod:"},
		},
		Session: SessionConfig{
			MinDuration:    time.Second,
			MaxDuration:    24 * time.Hour,
			RequestTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:   scheduler.DefaultInterval,
			Lookahead:  scheduler.DefaultLookahead,
			ClaimLease: scheduler.DefaultClaimLease,
			RunLockTTL: scheduler.DefaultRunLockTTL,
			Workers:    scheduler.DefaultWorkers,
			BatchSize:  scheduler.DefaultBatchSize,
			Retention:  string(scheduler.RetentionDelete),

			ReleaseOnExpiry: true,
		},
		Notifications: NotificationsConfig{
			SourceURI:      "urn:qodbroker",
			Topic:          "qod.session.status",
			Broker:         "memory",
			SinkTimeout:    5 * time.Second,
			SinkRate:       50,
			SinkBurst:      10,
			Redelivery:     "none",
			NotifyOnCreate: true,
			NotifyOnDelete: true,
		},
		Availability: AvailabilityConfig{
			Provider:         "fake",
			Timeout:          5 * time.Second,
			ClientID:         "qodbroker",
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Ops: OpsConfig{
			Listen:    ":9090",
			RateLimit: 120,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			Environment:  "production",
			SamplingRate: 1.0,
		},
	}
}
