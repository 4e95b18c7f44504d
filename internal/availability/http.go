// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package availability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	"github.com/ManuGH/qodbroker/internal/metrics"
	"github.com/ManuGH/qodbroker/internal/platform/httpx"
	"github.com/ManuGH/qodbroker/internal/resilience"
)

// HTTPConfig configures the REST client.
type HTTPConfig struct {
	BaseURL          string
	Timeout          time.Duration
	ClientID         string
	JWTSecret        string
	BreakerThreshold int
	BreakerReset     time.Duration
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	base    *url.URL
	client  *http.Client
	tokens  *TokenSource
	breaker *resilience.CircuitBreaker
}

// maxProblemBody bounds how much of an error body is read.
const maxProblemBody = 16 << 10

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("availability: invalid base url %q", cfg.BaseURL)
	}
	tokens, err := NewTokenSource(cfg.ClientID, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		base:   base,
		client: httpx.NewTracedClient("availability", cfg.Timeout),
		tokens: tokens,
		breaker: resilience.NewCircuitBreaker("availability", cfg.BreakerThreshold, cfg.BreakerReset,
			resilience.WithFailurePredicate(countsAsFailure)),
	}, nil
}

type portRangeDoc struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type endpointDoc struct {
	Address string         `json:"address"`
	Ports   []portRangeDoc `json:"ports,omitempty"`
}

type reserveBody struct {
	SubscriptionID    string      `json:"subscriptionId,omitempty"`
	Device            endpointDoc `json:"device"`
	ApplicationServer endpointDoc `json:"applicationServer"`
	QosProfile        string      `json:"qosProfile"`
	Duration          int64       `json:"duration"` // seconds
}

type reservationDoc struct {
	SubscriptionID string `json:"subscriptionId"`
	Status         Status `json:"status"`
}

func endpointFrom(e model.Endpoint) endpointDoc {
	d := endpointDoc{Address: e.Addr}
	for _, p := range e.Ports {
		d.Ports = append(d.Ports, portRangeDoc(p))
	}
	return d
}

func (c *HTTPClient) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	body := reserveBody{
		SubscriptionID:    req.SubscriptionID,
		Device:            endpointFrom(req.Device),
		ApplicationServer: endpointFrom(req.ApplicationServer),
		QosProfile:        req.QosProfile,
		Duration:          int64(req.Duration / time.Second),
	}
	var out reservationDoc
	if err := c.do(ctx, "reserve", http.MethodPost, "/reservations", body, &out); err != nil {
		return Reservation{}, err
	}
	if out.SubscriptionID == "" {
		return Reservation{}, &UpstreamError{Sentinel: ErrBadResponse, Operation: "reserve", Err: errors.New("missing subscriptionId")}
	}
	if out.Status == "" {
		out.Status = StatusAvailable
	}
	return Reservation(out), nil
}

func (c *HTTPClient) Check(ctx context.Context, subscriptionID string) (Reservation, error) {
	var out reservationDoc
	if err := c.do(ctx, "check", http.MethodGet, "/reservations/"+url.PathEscape(subscriptionID), nil, &out); err != nil {
		return Reservation{}, err
	}
	return Reservation(out), nil
}

// Release is idempotent: an unknown reservation counts as released.
func (c *HTTPClient) Release(ctx context.Context, subscriptionID string) error {
	err := c.do(ctx, "release", http.MethodDelete, "/reservations/"+url.PathEscape(subscriptionID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, op, method, path, in, out)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = &UpstreamError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordAvailabilityCall(op, result)
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("availability: sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &UpstreamError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxProblemBody))
		var p *Problem
		if len(raw) > 0 {
			var decoded Problem
			if json.Unmarshal(raw, &decoded) == nil {
				p = &decoded
			}
		}
		return &UpstreamError{Sentinel: sentinelFor(resp.StatusCode, p), Operation: op, Status: resp.StatusCode, Problem: p}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return &UpstreamError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Err: err}
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
