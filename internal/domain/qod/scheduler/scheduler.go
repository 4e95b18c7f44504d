// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduler expires QoS sessions. Each sweep tick runs under a
// cluster-wide run lock; each candidate is claimed individually before it is
// expired, so at most one instance ever notifies for a session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	"github.com/ManuGH/qodbroker/internal/domain/qod/store"
	xglog "github.com/ManuGH/qodbroker/internal/log"
	"github.com/ManuGH/qodbroker/internal/metrics"
	"github.com/ManuGH/qodbroker/internal/notify"
	"github.com/ManuGH/qodbroker/internal/telemetry"
)

// Retention decides what happens to a record after expiry.
type Retention string

const (
	RetentionDelete  Retention = "delete"
	RetentionArchive Retention = "archive"
)

// Archiver keeps a copy of an expired session before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, s *model.Session) error
}

// Releaser frees the upstream reservation of an expired session.
type Releaser interface {
	Release(ctx context.Context, subscriptionID string) error
}

// Config tunes the sweep. ClaimLease must exceed Lookahead plus the worst
// case notification time, otherwise a claim can lapse mid-delivery.
type Config struct {
	BookkeeperID    string
	Interval        time.Duration
	Lookahead       time.Duration
	ClaimLease      time.Duration
	RunLockTTL      time.Duration
	Workers         int
	BatchSize       int
	Retention       Retention
	ReleaseOnExpiry bool
}

// Defaults used for zero Config fields.
const (
	DefaultInterval   = 10 * time.Second
	DefaultLookahead  = 15 * time.Second
	DefaultClaimLease = 60 * time.Second
	DefaultRunLockTTL = 30 * time.Second
	DefaultWorkers    = 8
	DefaultBatchSize  = 500
)

const (
	// minDeliveryBudget bounds the notification of a session whose claim
	// lease is already used up by the time it expired.
	minDeliveryBudget = time.Second
	cleanupTimeout    = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = DefaultClaimLease
	}
	if c.RunLockTTL <= 0 {
		c.RunLockTTL = DefaultRunLockTTL
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Retention == "" {
		c.Retention = RetentionDelete
	}
}

// Scheduler is the expiration loop of one service instance.
type Scheduler struct {
	cfg      Config
	store    store.Store
	notifier notify.Notifier
	archiver Archiver
	releaser Releaser
	logger   zerolog.Logger
	tracer   trace.Tracer
	busy     atomic.Bool
	last     atomic.Pointer[sweepStatus]

	// Now and Sleep are replaceable in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New validates cfg and builds a Scheduler. archiver is required for
// RetentionArchive; releaser may be nil.
func New(cfg Config, st store.Store, notifier notify.Notifier, archiver Archiver, releaser Releaser, logger zerolog.Logger) (*Scheduler, error) {
	cfg.applyDefaults()
	if cfg.BookkeeperID == "" {
		return nil, errors.New("scheduler: bookkeeper id is required")
	}
	if cfg.ClaimLease <= cfg.Lookahead {
		return nil, fmt.Errorf("scheduler: claim lease %s must exceed lookahead %s", cfg.ClaimLease, cfg.Lookahead)
	}
	switch cfg.Retention {
	case RetentionDelete:
	case RetentionArchive:
		if archiver == nil {
			return nil, errors.New("scheduler: archive retention needs an archiver")
		}
	default:
		return nil, fmt.Errorf("scheduler: unknown retention %q", cfg.Retention)
	}
	if cfg.ReleaseOnExpiry && releaser == nil {
		return nil, errors.New("scheduler: release on expiry needs a releaser")
	}

	return &Scheduler{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		archiver: archiver,
		releaser: releaser,
		logger:   logger.With().Str(xglog.FieldBookkeeperID, cfg.BookkeeperID).Logger(),
		tracer:   telemetry.Tracer("qodbroker/scheduler"),
		Now:      time.Now,
		Sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("lookahead", s.cfg.Lookahead).
		Dur("claim_lease", s.cfg.ClaimLease).
		Int("workers", s.cfg.Workers).
		Msg("expiration scheduler started")

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info().Msg("expiration scheduler stopped")
			return ctx.Err()
		}
	}
}

type sweepStatus struct {
	at  time.Time
	err error
}

// LastSweep reports when the last tick finished and how. The zero time means
// no tick has completed yet.
func (s *Scheduler) LastSweep() (time.Time, error) {
	st := s.last.Load()
	if st == nil {
		return time.Time{}, nil
	}
	return st.at, st.err
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	s.last.Store(&sweepStatus{at: s.Now(), err: err})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep ended early")
		}
		return
	}
	if res.Expired > 0 || res.ClaimLost > 0 || res.Vanished > 0 {
		s.logger.Info().
			Int("candidates", res.Candidates).
			Int("expired", res.Expired).
			Int("claim_lost", res.ClaimLost).
			Int("vanished", res.Vanished).
			Msg("sweep finished")
	}
}

// SweepResult summarises one sweep tick.
type SweepResult struct {
	Skipped    bool // a sweep of this instance was still running
	LockHeld   bool // another instance holds the run lock
	Candidates int
	Expired    int
	ClaimLost  int
	Vanished   int
}

type counters struct {
	expired, claimLost, vanished atomic.Int32
}

// SweepOnce runs one tick: acquire the run lock, query candidates due within
// the look-ahead window and expire each one this instance manages to claim.
// A store error ends the sweep early; the next tick retries.
func (s *Scheduler) SweepOnce(ctx context.Context) (res SweepResult, err error) {
	if !s.busy.CompareAndSwap(false, true) {
		return SweepResult{Skipped: true}, nil
	}
	defer s.busy.Store(false)
	defer metrics.SetSchedulerPhase("idle")

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "scheduler.sweep")
	defer func() { telemetry.End(span, err) }()

	metrics.SetSchedulerPhase("acquiring_run_lock")
	_, ok, err := s.store.TryAcquireLease(ctx, model.RunLockKey, s.cfg.BookkeeperID, s.cfg.RunLockTTL)
	if err != nil {
		metrics.RecordSweep("error", 0)
		return res, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		metrics.RecordSweep("lock_held", 0)
		return SweepResult{LockHeld: true}, nil
	}
	defer s.releaseRunLock(ctx)

	metrics.SetSchedulerPhase("sweeping")
	bound := s.Now().Add(s.cfg.Lookahead)
	entries, err := s.store.ExpiringBefore(ctx, bound, s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSweep("error", 0)
		return res, fmt.Errorf("query expiration index: %w", err)
	}
	res.Candidates = len(entries)
	span.SetAttributes(telemetry.SweepAttributes(s.cfg.BookkeeperID, len(entries), s.cfg.Lookahead.Milliseconds())...)

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, e := range entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.process(gctx, e, &c)
		})
	}
	err = g.Wait()

	res.Expired = int(c.expired.Load())
	res.ClaimLost = int(c.claimLost.Load())
	res.Vanished = int(c.vanished.Load())
	if err != nil {
		metrics.RecordSweep("error", 0)
		return res, err
	}
	metrics.RecordSweep("ok", time.Since(start))
	return res, nil
}

func (s *Scheduler) releaseRunLock(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseLease(rctx, model.RunLockKey, s.cfg.BookkeeperID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release run lock, it will lapse")
	}
}

// process claims one candidate, waits until it is due and expires it.
// Returned errors are store failures and end the sweep.
func (s *Scheduler) process(ctx context.Context, e store.ExpiryEntry, c *counters) (err error) {
	metrics.SetSchedulerPhase("processing_candidate")
	ctx, span := s.tracer.Start(ctx, "scheduler.expire",
		trace.WithAttributes(telemetry.SessionAttributes(e.SessionID, "", "")...))
	defer func() { telemetry.End(span, err) }()

	logger := s.logger.With().
		Str(xglog.FieldSessionID, e.SessionID).
		Time(xglog.FieldExpiresAt, e.ExpiresAt).
		Logger()

	claimedAt := s.Now()
	ok, err := s.store.ClaimForExpiration(ctx, e.SessionID, s.cfg.BookkeeperID, claimedAt, s.cfg.ClaimLease)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.vanished.Add(1)
		metrics.RecordCandidate("vanished")
		return nil
	case err != nil:
		metrics.RecordCandidate("error")
		return fmt.Errorf("claim %s: %w", e.SessionID, err)
	case !ok:
		c.claimLost.Add(1)
		metrics.RecordCandidate("claim_lost")
		logger.Debug().Msg("candidate claimed elsewhere or no longer active")
		return nil
	}

	if wait := e.ExpiresAt.Sub(s.Now()); wait > 0 {
		if err := s.Sleep(ctx, wait); err != nil {
			// Claim stays in place and lapses; the next holder retries.
			logger.Warn().Err(err).Msg("abandoning claimed session before it was due")
			return nil
		}
	}

	sess, err := s.store.MarkExpired(ctx, e.SessionID, s.cfg.BookkeeperID, s.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.vanished.Add(1)
		metrics.RecordCandidate("vanished")
		return nil
	case errors.Is(err, store.ErrNotAllowed):
		c.claimLost.Add(1)
		metrics.RecordCandidate("claim_lost")
		logger.Warn().Msg("claim lapsed before the session could be expired")
		return nil
	case err != nil:
		metrics.RecordCandidate("error")
		return fmt.Errorf("mark %s expired: %w", e.SessionID, err)
	}

	c.expired.Add(1)
	metrics.RecordCandidate("expired")
	metrics.RecordTransition(string(model.StatusActive), string(model.StatusExpired))
	logger.Info().
		Str(xglog.FieldEvent, "session.expired").
		Str(xglog.FieldSubscriptionID, sess.SubscriptionID).
		Str(xglog.FieldOldState, string(model.StatusActive)).
		Str(xglog.FieldNewState, string(model.StatusExpired)).
		Msg("qos session expired")

	// EXPIRED is committed; what follows is not cancelled by the sweep.
	s.finish(context.WithoutCancel(ctx), sess, claimedAt.Add(s.cfg.ClaimLease), logger)
	return nil
}

// finish notifies once, releases the reservation and applies retention.
// Delivery may use what is left of the claim lease ending at leaseEnd;
// release and retention run on their own deadline afterwards.
func (s *Scheduler) finish(ctx context.Context, sess *model.Session, leaseEnd time.Time, logger zerolog.Logger) {
	budget := leaseEnd.Sub(s.Now())
	if budget < minDeliveryBudget {
		budget = minDeliveryBudget
	}
	nctx, cancel := context.WithTimeout(ctx, budget)
	err := s.notifier.Notify(nctx, sess, notify.QosStatusUnavailable, notify.StatusInfoDurationExpired)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("expiration notification failed, not retried")
	}

	ctx, cancel = context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if s.cfg.ReleaseOnExpiry && sess.SubscriptionID != "" {
		if err := s.releaser.Release(ctx, sess.SubscriptionID); err != nil {
			logger.Warn().Err(err).Msg("failed to release reservation of expired session")
		}
	}

	if s.cfg.Retention == RetentionArchive {
		if err := s.archiver.Archive(ctx, sess); err != nil {
			logger.Error().Err(err).Msg("archive failed, keeping expired record")
			return
		}
	}
	if err := s.store.Delete(ctx, sess.ID); err != nil {
		logger.Error().Err(err).Msg("failed to delete expired record")
	}
}
