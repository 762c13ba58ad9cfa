package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-engine/internal/apperr"
)

// ClockFanout bounds how many sessions are ticked at once.
const ClockFanout = 32

// ActiveLister enumerates sessions that still need a clock.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]uuid.UUID, error)
}

// SessionDriver applies server-originated messages to a session.
type SessionDriver interface {
	Tick(ctx context.Context, id uuid.UUID, withSync bool) error
	Sweep(ctx context.Context, id uuid.UUID) (bool, error)
}

// SessionClockWorker drives timers and the disconnection sweep for every
// active session. Timer expiry never waits for a client message.
type SessionClockWorker struct {
	active        ActiveLister
	driver        SessionDriver
	tickInterval  time.Duration
	sweepInterval time.Duration
	log           zerolog.Logger
}

// NewSessionClockWorker creates a new SessionClockWorker.
func NewSessionClockWorker(active ActiveLister, driver SessionDriver, tickInterval, sweepInterval time.Duration, log zerolog.Logger) *SessionClockWorker {
	return &SessionClockWorker{
		active:        active,
		driver:        driver,
		tickInterval:  tickInterval,
		sweepInterval: sweepInterval,
		log:           log.With().Str("component", "session_clock_worker").Logger(),
	}
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *SessionClockWorker) Start(ctx context.Context) {
	w.log.Info().
		Dur("tick_interval", w.tickInterval).
		Dur("sweep_interval", w.sweepInterval).
		Msg("Worker started")

	ticks := time.NewTicker(w.tickInterval)
	defer ticks.Stop()
	sweeps := time.NewTicker(w.sweepInterval)
	defer sweeps.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticks.C:
			w.TickAll(ctx)
		case <-sweeps.C:
			w.SweepAll(ctx)
		}
	}
}

// TickAll applies timer expiry to every active session and pushes a
// timer:sync to its owner.
func (w *SessionClockWorker) TickAll(ctx context.Context) {
	w.each(ctx, "tick", func(ctx context.Context, id uuid.UUID) error {
		return w.driver.Tick(ctx, id, true)
	})
}

// SweepAll abandons sessions whose disconnection outlived the grace budget.
func (w *SessionClockWorker) SweepAll(ctx context.Context) {
	w.each(ctx, "sweep", func(ctx context.Context, id uuid.UUID) error {
		abandoned, err := w.driver.Sweep(ctx, id)
		if err == nil && abandoned {
			w.log.Debug().Str("session_id", id.String()).Msg("Session swept")
		}
		return err
	})
}

func (w *SessionClockWorker) each(ctx context.Context, op string, fn func(context.Context, uuid.UUID) error) {
	ids, err := w.active.ListActive(ctx)
	if err != nil {
		w.log.Error().Err(err).Str("op", op).Msg("List active sessions failed")
		return
	}

	var g errgroup.Group
	g.SetLimit(ClockFanout)
	for _, id := range ids {
		g.Go(func() error {
			if err := fn(ctx, id); err != nil && !expected(err) {
				w.log.Error().Err(err).Str("op", op).Str("session_id", id.String()).Msg("Session clock step failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// expected filters errors that only mean the session moved on meanwhile.
func expected(err error) bool {
	return errors.Is(err, apperr.ErrSessionNotFound) ||
		errors.Is(err, apperr.ErrVersionConflict) ||
		errors.Is(err, context.Canceled)
}
