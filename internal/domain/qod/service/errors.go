// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package service

import (
	"context"
	"errors"

	"github.com/ManuGH/qodbroker/internal/availability"
	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	"github.com/ManuGH/qodbroker/internal/domain/qod/store"
)

// storeError translates store failures into the public taxonomy.
func storeError(err error, op string) error {
	var me *model.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &me):
		return err
	case errors.Is(err, store.ErrNotFound):
		return model.WrapError(model.KindNotFound, model.CodeNotFound, err, "session not found")
	case errors.Is(err, store.ErrConflict):
		return model.WrapError(model.KindConflict, model.CodeConflict, err, "session identifier already exists")
	case errors.Is(err, store.ErrNotAllowed):
		return model.WrapError(model.KindNotAllowed, model.CodeConflict, err, "%s not allowed in current state", op)
	case errors.Is(err, context.DeadlineExceeded):
		return model.WrapError(model.KindInternal, model.CodeUnavailable, err, "%s timed out", op)
	default:
		return model.WrapError(model.KindInternal, model.CodeInternal, err, "%s failed", op)
	}
}

// upstreamError translates Availability Service failures. Problem codes from
// the upstream are kept when they are already public codes.
func upstreamError(err error) error {
	code := ""
	var ue *availability.UpstreamError
	if errors.As(err, &ue) && ue.Problem != nil {
		code = ue.Problem.Code
	}
	pick := func(fallback string) string {
		switch code {
		case model.CodeQosProfileNotApplicable, model.CodeServiceNotApplicable, model.CodeDeviceNotFound:
			return code
		}
		return fallback
	}

	switch {
	case errors.Is(err, availability.ErrDeviceNotFound):
		return model.WrapError(model.KindDeviceNotFound, pick(model.CodeDeviceNotFound), err, "device not found")
	case errors.Is(err, availability.ErrNotApplicable):
		return model.WrapError(model.KindNotAllowed, pick(model.CodeServiceNotApplicable), err, "qos not applicable for device")
	case errors.Is(err, availability.ErrInvalidArgument):
		return model.WrapError(model.KindInvalidArgument, model.CodeInvalidArgument, err, "rejected by availability service")
	case errors.Is(err, availability.ErrConflict):
		return model.WrapError(model.KindConflict, model.CodeConflict, err, "conflicting reservation")
	case errors.Is(err, availability.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return model.WrapError(model.KindInternal, model.CodeUnavailable, err, "availability service unavailable")
	default:
		return model.WrapError(model.KindInternal, model.CodeInternal, err, "availability service failed")
	}
}

// codeOf is the metric label for an operation outcome.
func codeOf(err error) string {
	if err == nil {
		return ""
	}
	var me *model.Error
	if errors.As(err, &me) {
		return me.Code
	}
	return model.CodeInternal
}
