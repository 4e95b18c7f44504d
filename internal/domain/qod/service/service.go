// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package service orchestrates QoS session creation, extension and early
// deletion. Apart from the scheduler's expiration claim it is the only
// writer of session records.
package service

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/qodbroker/internal/availability"
	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	"github.com/ManuGH/qodbroker/internal/domain/qod/profiles"
	"github.com/ManuGH/qodbroker/internal/domain/qod/store"
	xglog "github.com/ManuGH/qodbroker/internal/log"
	"github.com/ManuGH/qodbroker/internal/metrics"
	"github.com/ManuGH/qodbroker/internal/netutil"
	"github.com/ManuGH/qodbroker/internal/notify"
	"github.com/ManuGH/qodbroker/internal/telemetry"
)

// Config holds administrative bounds and notification switches.
type Config struct {
	MinDuration    time.Duration
	MaxDuration    time.Duration
	RequestTimeout time.Duration
	NotifyOnCreate bool
	NotifyOnDelete bool
	SinkPolicy     netutil.SinkPolicy
}

// compensationTimeout bounds a reservation release after the request
// context is gone.
const compensationTimeout = 10 * time.Second

// Service is safe for concurrent use.
type Service struct {
	cfg      Config
	store    store.Store
	profiles *profiles.Catalog
	avail    availability.Client
	notifier notify.Notifier
	logger   zerolog.Logger
	tracer   trace.Tracer

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

func New(cfg Config, st store.Store, catalog *profiles.Catalog, avail availability.Client, notifier notify.Notifier, logger zerolog.Logger) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		profiles: catalog,
		avail:    avail,
		notifier: notifier,
		logger:   logger,
		tracer:   telemetry.Tracer("qodbroker/service"),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// CreateRequest is an already authenticated, schema-valid creation request.
type CreateRequest struct {
	Device            model.Device
	ApplicationServer model.ApplicationServer
	QosProfile        string
	Duration          time.Duration
	SinkURL           string
	SinkCredential    model.Credential
}

func (s *Service) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, trace.Span) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	ctx, span := s.tracer.Start(ctx, "qod."+op)
	return ctx, cancel, span
}

func (s *Service) finish(span trace.Span, op string, err error) {
	metrics.RecordServiceOp(op, codeOf(err))
	telemetry.End(span, err)
}

// Create validates req, checks for a live session on the same pair, reserves
// QoS upstream and persists the session. A store failure after a successful
// reservation releases the reservation again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (out *model.Session, err error) {
	ctx, cancel, span := s.begin(ctx, "create")
	defer cancel()
	defer func() { s.finish(span, "create", err) }()

	profile, sinkURL, err := s.validateCreate(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkPair(ctx, req.Device, req.ApplicationServer); err != nil {
		return nil, err
	}

	res, err := s.avail.Reserve(ctx, availability.ReserveRequest{
		Device:            req.Device,
		ApplicationServer: req.ApplicationServer,
		QosProfile:        profile.Name,
		Duration:          req.Duration,
	})
	if err != nil {
		return nil, upstreamError(err)
	}

	now := s.Now().UTC()
	sess := &model.Session{
		ID:                s.NewID(),
		SubscriptionID:    res.SubscriptionID,
		StartedAt:         now,
		Duration:          req.Duration,
		Device:            req.Device,
		ApplicationServer: req.ApplicationServer,
		QosProfile:        profile.Name,
		SinkURL:           sinkURL,
		SinkCredential:    req.SinkCredential,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	sess.ComputeExpiry()

	switch res.Status {
	case availability.StatusAvailable:
		sess.Status = model.StatusActive
	case availability.StatusRequested:
		sess.Status = model.StatusRequested
	default:
		s.release(ctx, res.SubscriptionID, "reservation unavailable")
		return nil, model.NewError(model.KindNotAllowed, model.CodeServiceNotApplicable,
			"availability service reported %s", res.Status)
	}

	span.SetAttributes(telemetry.SessionAttributes(sess.ID, string(sess.Status), sess.QosProfile)...)
	if err := s.store.Create(ctx, sess); err != nil {
		s.release(ctx, res.SubscriptionID, "store create failed")
		return nil, storeError(err, "create")
	}

	logger := s.sessionLogger(sess)
	logger.Info().
		Str(xglog.FieldEvent, "session.created").
		Str(xglog.FieldNewState, string(sess.Status)).
		Time(xglog.FieldExpiresAt, sess.ExpiresAt).
		Msg("qos session created")
	metrics.RecordTransition("", string(sess.Status))

	if sess.Status == model.StatusActive && s.cfg.NotifyOnCreate {
		s.notify(ctx, sess, notify.QosStatusAvailable, "")
	}
	return sess.Clone(), nil
}

func (s *Service) validateCreate(req CreateRequest) (model.QosProfile, string, error) {
	profile, ok := s.profiles.Lookup(req.QosProfile)
	if !ok {
		return model.QosProfile{}, "", model.NewError(model.KindInvalidArgument, model.CodeQosProfileNotApplicable,
			"unknown qos profile %q", req.QosProfile)
	}
	if err := validateEndpoint("device", req.Device); err != nil {
		return model.QosProfile{}, "", err
	}
	if err := validateEndpoint("applicationServer", req.ApplicationServer); err != nil {
		return model.QosProfile{}, "", err
	}
	if err := s.checkDuration(profile, req.Duration); err != nil {
		return model.QosProfile{}, "", err
	}

	sinkURL := ""
	if req.SinkURL != "" {
		normalized, err := netutil.ValidateSinkURL(req.SinkURL, s.cfg.SinkPolicy)
		if err != nil {
			return model.QosProfile{}, "", model.WrapError(model.KindInvalidArgument, model.CodeInvalidArgument, err, "invalid sink")
		}
		sinkURL = normalized
	} else if req.SinkCredential != nil {
		return model.QosProfile{}, "", model.NewError(model.KindInvalidArgument, model.CodeInvalidArgument,
			"sinkCredential requires a sink")
	}
	return profile, sinkURL, nil
}

func validateEndpoint(field string, e model.Endpoint) error {
	if e.Addr == "" {
		return model.NewError(model.KindInvalidArgument, model.CodeInvalidArgument, "%s address is required", field)
	}
	if _, err := netip.ParseAddr(e.Addr); err != nil {
		if _, perr := netip.ParsePrefix(e.Addr); perr != nil {
			return model.NewError(model.KindInvalidArgument, model.CodeInvalidArgument, "%s address %q is not an IP address or prefix", field, e.Addr)
		}
	}
	for _, r := range e.Ports {
		if !r.Valid() {
			return model.NewError(model.KindInvalidArgument, model.CodeInvalidArgument, "%s port range %d-%d is invalid", field, r.From, r.To)
		}
	}
	return nil
}

func (s *Service) checkDuration(profile model.QosProfile, d time.Duration) error {
	if d <= 0 ||
		(s.cfg.MinDuration > 0 && d < s.cfg.MinDuration) ||
		(s.cfg.MaxDuration > 0 && d > s.cfg.MaxDuration) ||
		!profile.AllowsDuration(d) {
		return model.NewError(model.KindDurationOutOfRange, model.CodeDurationOutOfRange,
			"duration %s outside the bounds of profile %s", d, profile.Name)
	}
	return nil
}

// maxDuration is the tightest upper bound for profile; 0 means unbounded.
func (s *Service) maxDuration(profile model.QosProfile) time.Duration {
	switch {
	case s.cfg.MaxDuration == 0:
		return profile.MaxDuration
	case profile.MaxDuration == 0:
		return s.cfg.MaxDuration
	default:
		return min(s.cfg.MaxDuration, profile.MaxDuration)
	}
}

func (s *Service) checkPair(ctx context.Context, device model.Device, as model.ApplicationServer) error {
	existing, err := s.store.FindByDevice(ctx, device.Addr)
	if err != nil {
		return storeError(err, "lookup")
	}
	probe := &model.Session{Device: device, ApplicationServer: as}
	for _, other := range existing {
		if other.Status.IsLive() && other.SamePair(probe) {
			return model.NewError(model.KindNotAllowed, model.CodeConflict,
				"session %s already covers this device and application server", other.ID)
		}
	}
	return nil
}

// Get returns the session by ID.
func (s *Service) Get(ctx context.Context, id string) (out *model.Session, err error) {
	ctx, cancel, span := s.begin(ctx, "get")
	defer cancel()
	defer func() { s.finish(span, "get", err) }()

	if !model.IsSafeSessionID(id) {
		return nil, model.NewError(model.KindInvalidArgument, model.CodeInvalidArgument, "invalid session id")
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "get")
	}
	return sess, nil
}

// FindByDevice returns the live sessions of a device address.
func (s *Service) FindByDevice(ctx context.Context, addr string) (out []*model.Session, err error) {
	ctx, cancel, span := s.begin(ctx, "find")
	defer cancel()
	defer func() { s.finish(span, "find", err) }()

	all, err := s.store.FindByDevice(ctx, addr)
	if err != nil {
		return nil, storeError(err, "find")
	}
	out = make([]*model.Session, 0, len(all))
	for _, sess := range all {
		if sess.Status.IsLive() {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Extend adds additional to the session's duration. A total beyond the
// profile's maximum is rejected. Sessions already claimed for expiration
// cannot be extended.
func (s *Service) Extend(ctx context.Context, id string, additional time.Duration) (out *model.Session, err error) {
	ctx, cancel, span := s.begin(ctx, "extend")
	defer cancel()
	defer func() { s.finish(span, "extend", err) }()

	if additional <= 0 {
		return nil, model.NewError(model.KindInvalidArgument, model.CodeInvalidArgument, "additional duration must be positive")
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "extend")
	}
	if sess.Status != model.StatusActive {
		return nil, model.NewError(model.KindNotAllowed, model.CodeSessionExtensionNotAllowed,
			"session %s is %s", id, sess.Status)
	}
	profile, ok := s.profiles.Lookup(sess.QosProfile)
	if !ok {
		return nil, model.NewError(model.KindInternal, model.CodeInternal, "session %s references unknown profile %q", id, sess.QosProfile)
	}

	total := sess.Duration + additional
	if limit := s.maxDuration(profile); limit > 0 && total > limit {
		return nil, model.NewError(model.KindNotAllowed, model.CodeSessionExtensionNotAllowed,
			"session %s would run %s, maximum is %s", id, total, limit)
	}

	now := s.Now().UTC()
	if !sess.StartedAt.Add(total).After(now) {
		return nil, model.NewError(model.KindNotAllowed, model.CodeSessionExtensionNotAllowed,
			"session %s has no remaining duration to extend", id)
	}
	updated, err := s.store.Extend(ctx, id, total, now)
	if err != nil {
		if errors.Is(err, store.ErrNotAllowed) {
			return nil, model.WrapError(model.KindNotAllowed, model.CodeSessionExtensionNotAllowed, err,
				"session %s is being expired", id)
		}
		return nil, storeError(err, "extend")
	}

	logger := s.sessionLogger(updated)
	logger.Info().
		Str(xglog.FieldEvent, "session.extended").
		Dur("duration", updated.Duration).
		Time(xglog.FieldExpiresAt, updated.ExpiresAt).
		Msg("qos session extended")
	return updated, nil
}

// Delete releases a session early. It removes record and index entry in one
// store operation that loses against a live expiration claim. Deleting a
// session that is gone or already owned by the scheduler is a no-op.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, cancel, span := s.begin(ctx, "delete")
	defer cancel()
	defer func() { s.finish(span, "delete", err) }()

	sess, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(err, "delete")
	}
	span.SetAttributes(telemetry.SessionAttributes(sess.ID, string(sess.Status), sess.QosProfile)...)
	if sess.Status.IsTerminal() {
		return nil
	}

	// The removed record, not the earlier read, decides the notification:
	// ConfirmAvailability may have activated the session in between.
	deleted, err := s.store.DeleteUnclaimed(ctx, id, s.Now().UTC())
	if err != nil {
		return storeError(err, "delete")
	}
	logger := s.sessionLogger(sess)
	if deleted == nil {
		logger.Info().Str(xglog.FieldEvent, "session.delete_skipped").Msg("session gone or claimed for expiration")
		return nil
	}

	logger.Info().
		Str(xglog.FieldEvent, "session.deleted").
		Str(xglog.FieldOldState, string(deleted.Status)).
		Str(xglog.FieldNewState, string(model.StatusDeleted)).
		Msg("qos session deleted")
	metrics.RecordTransition(string(deleted.Status), string(model.StatusDeleted))

	s.release(ctx, deleted.SubscriptionID, "session deleted")
	if s.cfg.NotifyOnDelete && deleted.Status == model.StatusActive {
		deleted.Status = model.StatusDeleted
		s.notify(ctx, deleted, notify.QosStatusUnavailable, notify.StatusInfoDeleteRequested)
	}
	return nil
}

// ConfirmAvailability asks the Availability Service for the state of a
// pending reservation and applies it: AVAILABLE activates the session with a
// fresh clock, UNAVAILABLE drops it.
func (s *Service) ConfirmAvailability(ctx context.Context, subscriptionID string) (out *model.Session, err error) {
	ctx, cancel, span := s.begin(ctx, "confirm")
	defer cancel()
	defer func() { s.finish(span, "confirm", err) }()

	sess, err := s.store.FindBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, storeError(err, "confirm")
	}
	if sess.Status != model.StatusRequested {
		return sess, nil
	}
	res, err := s.avail.Check(ctx, subscriptionID)
	if err != nil {
		return nil, upstreamError(err)
	}

	logger := s.sessionLogger(sess)
	switch res.Status {
	case availability.StatusRequested:
		return sess, nil
	case availability.StatusAvailable:
		activated, err := s.store.Activate(ctx, sess.ID, s.Now().UTC())
		if err != nil {
			return nil, storeError(err, "activate")
		}
		logger.Info().
			Str(xglog.FieldEvent, "session.activated").
			Time(xglog.FieldExpiresAt, activated.ExpiresAt).
			Msg("qos session active")
		metrics.RecordTransition(string(model.StatusRequested), string(model.StatusActive))
		s.notify(ctx, activated, notify.QosStatusAvailable, "")
		return activated, nil
	default:
		deleted, err := s.store.DeleteUnclaimed(ctx, sess.ID, s.Now().UTC())
		if err != nil {
			return nil, storeError(err, "confirm")
		}
		if deleted == nil {
			return nil, model.NewError(model.KindNotFound, model.CodeNotFound, "session %s not found", sess.ID)
		}
		logger.Warn().Str(xglog.FieldEvent, "session.unavailable").Msg("qos could not be provisioned")
		metrics.RecordTransition(string(model.StatusRequested), string(model.StatusDeleted))
		sess.Status = model.StatusDeleted
		s.notify(ctx, sess, notify.QosStatusUnavailable, "")
		return sess, nil
	}
}

// release frees an upstream reservation. It runs detached from ctx so a
// timed-out request still compensates.
func (s *Service) release(ctx context.Context, subscriptionID, reason string) {
	if subscriptionID == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := s.avail.Release(rctx, subscriptionID); err != nil {
		s.logger.Error().Err(err).
			Str(xglog.FieldSubscriptionID, subscriptionID).
			Str("reason", reason).
			Msg("failed to release reservation")
	}
}

func (s *Service) notify(ctx context.Context, sess *model.Session, status notify.QosStatus, info notify.StatusInfo) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), sess, status, info); err != nil {
		logger := s.sessionLogger(sess)
		logger.Warn().Err(err).Msg("lifecycle notification failed")
	}
}

func (s *Service) sessionLogger(sess *model.Session) zerolog.Logger {
	return s.logger.With().
		Str(xglog.FieldSessionID, sess.ID).
		Str(xglog.FieldSubscriptionID, sess.SubscriptionID).
		Str(xglog.FieldProfile, sess.QosProfile).
		Logger()
}

