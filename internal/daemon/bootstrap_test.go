// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/qodbroker/internal/config"
	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	"github.com/ManuGH/qodbroker/internal/domain/qod/service"
	"github.com/ManuGH/qodbroker/internal/domain/qod/store"
	"github.com/ManuGH/qodbroker/internal/notify"
)

type sinkServer struct {
	*httptest.Server
	mu     sync.Mutex
	events []notify.Event
	auth   []string
}

func newSinkServer(t *testing.T) *sinkServer {
	t.Helper()
	s := &sinkServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev notify.Event
		if err := json.Unmarshal(body, &ev); err == nil {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.auth = append(s.auth, r.Header.Get("Authorization"))
			s.mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sinkServer) received() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg := config.Defaults()
	cfg.InstanceID = "node-test"
	cfg.Log.Level = "error"
	cfg.Store.Backend = "memory"
	cfg.Ops.Listen = "127.0.0.1:0"
	cfg.Notifications.AllowHTTPSinks = true
	cfg.Notifications.AllowPrivateSinks = true
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestResolveInstanceID(t *testing.T) {
	assert.Equal(t, "node-a", ResolveInstanceID("node-a"))

	a, b := ResolveInstanceID(""), ResolveInstanceID("")
	assert.NotEqual(t, a, b)
	host, _ := os.Hostname()
	if host != "" {
		assert.True(t, strings.HasPrefix(a, host+"-"))
	}
}

func TestBootstrap_SessionExpiresAndNotifies(t *testing.T) {
	sink := newSinkServer(t)
	ctx := context.Background()

	rt, err := Bootstrap(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	sess, err := rt.Service.Create(ctx, service.CreateRequest{
		Device:            model.Device{Addr: "10.0.0.1"},
		ApplicationServer: model.ApplicationServer{Addr: "192.0.2.10"},
		QosProfile:        "QOS_E",
		Duration:          time.Second,
		SinkURL:           sink.URL + "/notifications",
		SinkCredential:    &model.AccessTokenCredential{AccessToken: "tok", AccessTokenType: "bearer"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, sess.Status)

	res, err := rt.Scheduler.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	_, err = rt.Store.Get(ctx, sess.ID)
	require.ErrorIs(t, err, store.ErrNotFound, "default retention deletes the record")

	events := sink.received()
	require.Len(t, events, 2)
	assert.Equal(t, notify.QosStatusAvailable, events[0].Data.QosStatus)
	assert.Equal(t, notify.QosStatusUnavailable, events[1].Data.QosStatus)
	assert.Equal(t, notify.StatusInfoDurationExpired, events[1].Data.StatusInfo)
	assert.Equal(t, sess.ID, events[1].Subject)
	assert.Equal(t, "urn:qodbroker", events[1].Source)
	assert.Equal(t, []string{"Bearer tok", "Bearer tok"}, sink.auth)
}

func TestBootstrap_ArchiveRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Retention = "archive"
	cfg.Scheduler.ArchiveDir = filepath.Join(t.TempDir(), "archive")

	rt, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	info, err := os.Stat(cfg.Scheduler.ArchiveDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "archive_dir")
}

func TestBootstrap_SQLiteReadiness(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "sessions.db")

	rt, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "no sweep yet is degraded, not unready")
	assert.Contains(t, rec.Body.String(), "sqlite_integrity")

	require.NoError(t, rt.Close(context.Background()))
	rec = httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBootstrap_FailureReturnsError(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.AppConfig)
		want   string
	}{
		{"availability provider", func(c *config.AppConfig) { c.Availability.Provider = "carrier-pigeon" }, "unknown availability provider"},
		{"broker", func(c *config.AppConfig) { c.Notifications.Broker = "smoke-signals" }, "unknown notification broker"},
		{"ops allow-list after scheduler", func(c *config.AppConfig) { c.Ops.AllowedCIDRs = []string{"not-a-cidr"} }, "ops.allowed_cidrs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			var (
				rt  *Runtime
				err error
			)
			require.NotPanics(t, func() { rt, err = Bootstrap(context.Background(), cfg) })
			assert.Nil(t, rt)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestBootstrap_MemoryBrokerCarriesLifecycleEvents(t *testing.T) {
	sink := newSinkServer(t)
	ctx := context.Background()
	cfg := testConfig(t)

	rt, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	mb, ok := rt.MemoryBroker()
	require.True(t, ok)
	sub := mb.Subscribe(cfg.Notifications.Topic)
	t.Cleanup(func() { _ = sub.Close() })

	sess, err := rt.Service.Create(ctx, service.CreateRequest{
		Device:            model.Device{Addr: "10.0.0.1"},
		ApplicationServer: model.ApplicationServer{Addr: "192.0.2.10"},
		QosProfile:        "QOS_E",
		Duration:          time.Second,
		SinkURL:           sink.URL + "/notifications",
	})
	require.NoError(t, err)
	_, err = rt.Scheduler.SweepOnce(ctx)
	require.NoError(t, err)

	var got []notify.Event
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 2 broker events", len(got))
		}
	}
	assert.Equal(t, notify.QosStatusAvailable, got[0].Data.QosStatus)
	assert.Equal(t, sess.ID, got[1].Subject)
	assert.Equal(t, notify.QosStatusUnavailable, got[1].Data.QosStatus)
	assert.Equal(t, notify.StatusInfoDurationExpired, got[1].Data.StatusInfo)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, testConfig(t)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
