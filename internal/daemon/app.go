// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner is a background loop that stops when its context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// App owns the long-lived runtime: the expiration scheduler and the ops
// listener managed by Manager.
type App struct {
	logger    zerolog.Logger
	manager   Manager
	scheduler Runner
	stops     []stopHook
}

type stopHook struct {
	name string
	fn   ShutdownHook
}

// NewApp creates a new App orchestrator. scheduler may be nil.
func NewApp(logger zerolog.Logger, manager Manager, scheduler Runner) *App {
	return &App{logger: logger, manager: manager, scheduler: scheduler}
}

// OnStop registers fn to run once the scheduler and the manager have both
// returned. Hooks run in reverse registration order.
func (a *App) OnStop(name string, fn ShutdownHook) {
	a.stops = append(a.stops, stopHook{name: name, fn: fn})
}

// Run blocks until ctx is cancelled or a fatal error occurs. Cancellation is
// a clean stop and is not reported as an error.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.scheduler != nil {
		g.Go(func() error {
			err := a.scheduler.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		err := a.manager.Start(gctx)
		if err != nil {
			_ = a.manager.Shutdown(context.WithoutCancel(gctx))
		}
		return err
	})

	err := g.Wait()
	if stopErr := a.runStops(context.WithoutCancel(ctx)); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if err != nil {
		a.logger.Error().Err(err).Str("event", "daemon.stopped").Msg("daemon stopped with error")
		return err
	}
	a.logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped")
	return nil
}

func (a *App) runStops(ctx context.Context) error {
	var errs []error
	for i := len(a.stops) - 1; i >= 0; i-- {
		h := a.stops[i]
		if err := h.fn(ctx); err != nil {
			a.logger.Error().Err(err).Str("hook", h.name).Msg("stop hook failed")
			errs = append(errs, fmt.Errorf("stop %s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}
