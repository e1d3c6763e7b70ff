// Package worker runs the periodic reconciliation sweep that turns scheduled
// install and removal times into driver calls.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/reservio/accessgate/internal/engine"
	"github.com/reservio/accessgate/internal/metrics"
	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/store"
)

// Worker drives time-based grant transitions. It is the only place that
// initiates installs and removals; the event bridge only marks intent.
type Worker struct {
	store   *store.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a worker.
func New(st *store.Store, eng *engine.Engine, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		store:   st,
		engine:  eng,
		metrics: m,
		logger:  logger.With().Str("component", "worker").Logger(),
	}
}

// Sweep reconciles every system once. Removals run before installs within a
// system so that a modify-then-install on the same PIN never collides with
// its predecessor.
func (w *Worker) Sweep(ctx context.Context) error {
	started := time.Now()
	defer func() {
		w.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	now := time.Now().UTC()
	systems, err := w.store.ListSystems()
	if err != nil {
		return err
	}

	for _, system := range systems {
		if err := w.sweepSystem(ctx, system, now); err != nil {
			return err
		}
	}

	return w.cleanupTombstones()
}

func (w *Worker) sweepSystem(ctx context.Context, system *models.System, now time.Time) error {
	log := w.logger.With().Str("system", system.Name).Logger()

	toRemove, err := w.store.GrantsDueForRemoval(system.ID, now)
	if err != nil {
		return err
	}
	for _, g := range toRemove {
		if err := w.engine.Remove(ctx, g); err != nil {
			log.Error().Err(err).Str("grant_id", g.ID).Msg("removal sweep failed")
		}
	}

	toInstall, err := w.store.GrantsDueForInstall(system.ID, now)
	if err != nil {
		return err
	}
	for _, g := range toInstall {
		if err := w.engine.Install(ctx, g); err != nil {
			log.Error().Err(err).Str("grant_id", g.ID).Msg("install sweep failed")
		}
	}

	active, err := w.store.CountActiveGrantsForSystem(system.ID)
	if err != nil {
		return err
	}
	w.metrics.ActiveGrants.WithLabelValues(system.Name).Set(float64(active))

	if len(toRemove) > 0 || len(toInstall) > 0 {
		log.Info().
			Int("removed", len(toRemove)).
			Int("installed", len(toInstall)).
			Msg("sweep processed grants")
	}
	return nil
}

// cleanupTombstones drops bindings whose local resource was deleted and
// grants whose reservation was deleted, once they carry no active work.
func (w *Worker) cleanupTombstones() error {
	grants, err := w.store.DeleteOrphanGrants()
	if err != nil {
		return err
	}
	bindings, err := w.store.DeleteOrphanBindings()
	if err != nil {
		return err
	}
	if grants > 0 || bindings > 0 {
		w.logger.Info().
			Int64("grants", grants).
			Int64("bindings", bindings).
			Msg("cleaned up tombstones")
	}
	return nil
}

// Run sweeps on a ticker until the context is cancelled. Sweep errors are
// logged, not fatal; the next tick tries again.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Msg("reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("reconciliation worker stopped")
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
