// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	xglog "github.com/ManuGH/qodbroker/internal/log"
	"github.com/ManuGH/qodbroker/internal/netutil"
	"github.com/ManuGH/qodbroker/internal/platform/httpx"
)

// ContentType is the structured-mode CloudEvents media type.
const ContentType = "application/cloudevents+json"

// Target is where and how a sink delivery is sent.
type Target struct {
	URL        string
	Credential model.Credential
}

// Sink delivers one event to a client callback.
type Sink interface {
	Deliver(ctx context.Context, target Target, ev Event) error
}

// SinkError reports a non-2xx answer from a sink.
type SinkError struct {
	URL    string
	Status int
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s answered HTTP %d", e.URL, e.Status)
}

// HTTPSinkConfig configures the HTTP sink client.
type HTTPSinkConfig struct {
	Timeout time.Duration
	Rate    float64 // deliveries per second across all sinks; 0 = unlimited
	Burst   int
}

// HTTPSink POSTs events to sink URLs.
type HTTPSink struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewHTTPSink(cfg HTTPSinkConfig, logger zerolog.Logger) *HTTPSink {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPSink{
		client:  httpx.NewTracedClient("notify.sink", cfg.Timeout),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, target Target, ev Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sink rate limit: %w", err)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sink request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	logger := s.logger.With().
		Str(xglog.FieldSinkURL, netutil.SanitizeURL(target.URL)).
		Str(xglog.FieldEventID, ev.ID).
		Str(xglog.FieldSessionID, ev.Subject).
		Logger()
	if value, ok := AuthorizationHeader(target.Credential, logger); ok {
		req.Header.Set("Authorization", value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to sink %s: %w", netutil.SanitizeURL(target.URL), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SinkError{URL: netutil.SanitizeURL(target.URL), Status: resp.StatusCode}
	}
	logger.Debug().Int(xglog.FieldStatusCode, resp.StatusCode).Msg("sink delivery accepted")
	return nil
}

var _ Sink = (*HTTPSink)(nil)
