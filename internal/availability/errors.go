// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package availability

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrInvalidArgument  = errors.New("availability: invalid argument")
	ErrDeviceNotFound   = errors.New("availability: device not found")
	ErrNotApplicable    = errors.New("availability: qos profile or service not applicable")
	ErrConflict         = errors.New("availability: conflicting reservation")
	ErrNotFound         = errors.New("availability: reservation not found")
	ErrUnavailable      = errors.New("availability: upstream unreachable or overloaded")
	ErrUpstreamInternal = errors.New("availability: upstream internal error")
	ErrBadResponse      = errors.New("availability: malformed upstream response")
)

// Problem is the upstream problem-details body: {"status", "code", "message"}.
type Problem struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpstreamError wraps a sentinel with the operation and upstream detail.
type UpstreamError struct {
	Sentinel  error
	Operation string
	Status    int
	Problem   *Problem
	Err       error // transport-level cause, if any
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("availability: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Problem != nil && e.Problem.Code != "" {
		msg = fmt.Sprintf("%s: %s: %s", msg, e.Problem.Code, e.Problem.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Sentinel, e.Err}
	}
	return []error{e.Sentinel}
}

// sentinelFor classifies a non-2xx response. Problem codes take precedence
// over the bare status.
func sentinelFor(status int, p *Problem) error {
	if p != nil {
		switch p.Code {
		case "DEVICE_NOT_FOUND", "IDENTIFIER_NOT_FOUND":
			return ErrDeviceNotFound
		case "QUALITY_ON_DEMAND.QOS_PROFILE_NOT_APPLICABLE", "SERVICE_NOT_APPLICABLE", "QUALITY_ON_DEMAND.SERVICE_NOT_APPLICABLE":
			return ErrNotApplicable
		}
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrInvalidArgument
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return ErrUnavailable
	default:
		return ErrUpstreamInternal
	}
}

// countsAsFailure decides which errors trip the circuit breaker: transport
// failures and 5xx, not caller faults.
func countsAsFailure(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrUpstreamInternal) || errors.Is(err, ErrBadResponse)
}
