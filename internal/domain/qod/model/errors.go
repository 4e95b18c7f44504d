// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy surfaced by the session service.
type Kind string

const (
	KindInvalidArgument       Kind = "InvalidArgument"
	KindDurationOutOfRange    Kind = "DurationOutOfRange"
	KindNotAllowed            Kind = "NotAllowed"
	KindDeviceNotFound        Kind = "DeviceNotFound"
	KindNotFound              Kind = "NotFound"
	KindConflict              Kind = "Conflict"
	KindInternal              Kind = "Internal"
	KindUnsupportedCredential Kind = "UnsupportedCredential"
)

// Sentinels for errors.Is checks at the boundary.
var (
	ErrInvalidArgument       = errors.New(string(KindInvalidArgument))
	ErrDurationOutOfRange    = errors.New(string(KindDurationOutOfRange))
	ErrNotAllowed            = errors.New(string(KindNotAllowed))
	ErrDeviceNotFound        = errors.New(string(KindDeviceNotFound))
	ErrNotFound              = errors.New(string(KindNotFound))
	ErrConflict              = errors.New(string(KindConflict))
	ErrInternal              = errors.New(string(KindInternal))
	ErrUnsupportedCredential = errors.New(string(KindUnsupportedCredential))
)

// Public error codes, stable across versions; clients key behaviour off them.
const (
	CodeInvalidArgument            = "INVALID_ARGUMENT"
	CodeDurationOutOfRange         = "QUALITY_ON_DEMAND.DURATION_OUT_OF_RANGE"
	CodeSessionExtensionNotAllowed = "QUALITY_ON_DEMAND.SESSION_EXTENSION_NOT_ALLOWED"
	CodeQosProfileNotApplicable    = "QUALITY_ON_DEMAND.QOS_PROFILE_NOT_APPLICABLE"
	CodeServiceNotApplicable       = "QUALITY_ON_DEMAND.SERVICE_NOT_APPLICABLE"
	CodeConflict                   = "CONFLICT"
	CodeNotFound                   = "NOT_FOUND"
	CodeDeviceNotFound             = "DEVICE_NOT_FOUND"
	CodeUnavailable                = "UNAVAILABLE"
	CodeInternal                   = "INTERNAL"
)

// Error is the rich error returned by the session service. It unwraps to the
// sentinel for its Kind, so errors.Is(err, ErrNotAllowed) works regardless of
// the public Code chosen.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the Kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	out := []error{sentinelFor(e.Kind)}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func sentinelFor(k Kind) error {
	switch k {
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindDurationOutOfRange:
		return ErrDurationOutOfRange
	case KindNotAllowed:
		return ErrNotAllowed
	case KindDeviceNotFound:
		return ErrDeviceNotFound
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindUnsupportedCredential:
		return ErrUnsupportedCredential
	default:
		return ErrInternal
	}
}

// NewError builds an *Error with a formatted message.
func NewError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around cause.
func WrapError(kind Kind, code string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the taxonomy kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
