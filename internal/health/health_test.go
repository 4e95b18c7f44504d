// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/qodbroker/internal/persistence/sqlite"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: m.status}
}

func TestManager_Health_NonVerboseSkipsChecks(t *testing.T) {
	m := NewManager("v1.0.0", "node-a")
	m.RegisterChecker(&mockChecker{name: "store", status: StatusUnhealthy})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Equal(t, "node-a", resp.InstanceID)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}

func TestManager_Ready(t *testing.T) {
	m := NewManager("v1.0.0", "")
	assert.True(t, m.Ready(context.Background()).Ready)

	m.RegisterChecker(&mockChecker{name: "sweep", status: StatusDegraded})
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)

	m.RegisterChecker(&mockChecker{name: "store", status: StatusUnhealthy})
	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusDegraded, resp.Checks["sweep"].Status)
}

func TestManager_CheckHonoursTimeout(t *testing.T) {
	m := NewManager("", "")
	m.timeout = 20 * time.Millisecond
	m.RegisterChecker(NewPingChecker("store", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Contains(t, resp.Checks["store"].Error, "deadline exceeded")
}

func TestServeReady_StatusCodes(t *testing.T) {
	m := NewManager("v1", "")
	failing := false
	m.RegisterChecker(NewPingChecker("store", func(context.Context) error {
		if failing {
			return errors.New("connection refused")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing = true
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, "connection refused", body.Checks["store"].Error)
}

func TestServeHealth_AlwaysOK(t *testing.T) {
	m := NewManager("v1", "")
	m.RegisterChecker(&mockChecker{name: "store", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, StatusUnhealthy, body.Status)
}

func TestSweepChecker(t *testing.T) {
	now := time.Unix(5000, 0)
	cases := []struct {
		name string
		at   time.Time
		err  error
		want Status
	}{
		{"never swept", time.Time{}, nil, StatusDegraded},
		{"fresh", now.Add(-5 * time.Second), nil, StatusHealthy},
		{"fresh but failed", now.Add(-5 * time.Second), errors.New("store down"), StatusDegraded},
		{"stale", now.Add(-5 * time.Minute), nil, StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewSweepChecker(func() (time.Time, error) { return tc.at, tc.err }, time.Minute)
			c.now = func() time.Time { return now }
			assert.Equal(t, tc.want, c.Check(context.Background()).Status)
		})
	}
}

func TestWritableDirChecker(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, NewWritableDirChecker("archive", dir).Check(context.Background()).Status)

	missing := NewWritableDirChecker("archive", filepath.Join(dir, "missing"))
	assert.Equal(t, StatusUnhealthy, missing.Check(context.Background()).Status)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	assert.Equal(t, StatusUnhealthy, NewWritableDirChecker("archive", file).Check(context.Background()).Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "write probe must be cleaned up")
}

func TestSQLiteIntegrityChecker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	res := NewSQLiteIntegrityChecker(path).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status, res.Error)
}
