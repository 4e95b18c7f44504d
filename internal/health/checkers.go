// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/qodbroker/internal/persistence/sqlite"
)

// PingChecker wraps a connectivity probe such as Store.Ping.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker that is unhealthy while ping fails.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if err := c.ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SQLiteIntegrityChecker runs a quick_check against the session database.
type SQLiteIntegrityChecker struct {
	path string
}

func NewSQLiteIntegrityChecker(path string) *SQLiteIntegrityChecker {
	return &SQLiteIntegrityChecker{path: path}
}

func (c *SQLiteIntegrityChecker) Name() string { return "sqlite_integrity" }

func (c *SQLiteIntegrityChecker) Check(_ context.Context) CheckResult {
	problems, err := sqlite.VerifyIntegrity(c.path, sqlite.CheckQuick)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if len(problems) > 0 {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "integrity check failed",
			Message: strings.Join(problems, "; "),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "quick_check ok"}
}

// SweepChecker watches the expiration scheduler. A sweep that has not
// finished within maxAge means expirations are piling up.
type SweepChecker struct {
	lastSweep func() (time.Time, error)
	maxAge    time.Duration
	now       func() time.Time
}

// NewSweepChecker creates a checker from a LastSweep accessor.
func NewSweepChecker(lastSweep func() (time.Time, error), maxAge time.Duration) *SweepChecker {
	return &SweepChecker{lastSweep: lastSweep, maxAge: maxAge, now: time.Now}
}

func (c *SweepChecker) Name() string { return "expiration_sweep" }

func (c *SweepChecker) Check(_ context.Context) CheckResult {
	at, err := c.lastSweep()
	if at.IsZero() {
		return CheckResult{Status: StatusDegraded, Message: "no sweep completed yet"}
	}
	if age := c.now().Sub(at); age > c.maxAge {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("last sweep %s ago", age.Truncate(time.Second)),
		}
	}
	if err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error(), Message: "last sweep ended early"}
	}
	return CheckResult{Status: StatusHealthy}
}

// WritableDirChecker verifies a directory exists and accepts writes.
type WritableDirChecker struct {
	name string
	path string
}

func NewWritableDirChecker(name, path string) *WritableDirChecker {
	return &WritableDirChecker{name: name, path: path}
}

func (c *WritableDirChecker) Name() string { return c.name }

func (c *WritableDirChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "directory does not exist", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "path is not a directory", Message: c.path}
	}

	probe, err := os.CreateTemp(c.path, ".write_test-*")
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "directory is not writable"}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(filepath.Clean(name))
	return CheckResult{Status: StatusHealthy}
}
