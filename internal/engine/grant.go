package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/reservio/accessgate/internal/models"
)

// Install pushes a requested grant to the remote system. Failures are not
// surfaced: the grant is rescheduled with backoff and the reconciliation
// worker picks up the retry.
func (e *Engine) Install(ctx context.Context, g *models.Grant) error {
	log := e.grantLogger(g)
	log.Info().Msg("installing grant")

	if g.State != models.GrantRequested {
		return fmt.Errorf("install called on grant %s in state %s", g.ID, g.State)
	}

	// Grants for past reservations are not worth a remote round trip.
	if g.EndsAt.Before(time.Now().UTC()) {
		log.Error().Msg("attempted to install grant for a past reservation")
		return e.Cancel(ctx, g)
	}

	ok, err := e.store.TransitionGrant(g.ID, []models.GrantState{models.GrantRequested}, models.GrantInstalling)
	if err != nil {
		return err
	}
	if !ok {
		log.Error().Msg("race condition with grant")
		return nil
	}
	g.State = models.GrantInstalling

	_, system, drv, err := e.grantContext(g)
	if err == nil {
		err = drv.InstallGrant(ctx, g)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to grant access")

		g.InstallationFailures++
		g.State = models.GrantRequested
		delay := retryDelay(g.InstallationFailures)
		at := time.Now().UTC().Add(delay)
		g.InstallAt = &at
		if saveErr := e.store.SaveGrant(g); saveErr != nil {
			return saveErr
		}
		if system != nil {
			e.metrics.InstallFailures.WithLabelValues(system.Name).Inc()
		}
		log.Info().Dur("retry_after", delay).Msg("retrying installation later")
		return nil
	}

	e.metrics.GrantsInstalled.WithLabelValues(system.Name).Inc()
	e.metrics.CodesDelivered.Inc()
	return nil
}

// Remove revokes an installed or cancelled grant from the remote system. On
// failure the grant reverts to its prior state and removal is rescheduled
// with backoff.
func (e *Engine) Remove(ctx context.Context, g *models.Grant) error {
	log := e.grantLogger(g)
	log.Info().Msg("removing grant")

	oldState := g.State
	if oldState != models.GrantInstalled && oldState != models.GrantCancelled {
		return fmt.Errorf("remove called on grant %s in state %s", g.ID, g.State)
	}

	ok, err := e.store.TransitionGrant(g.ID, []models.GrantState{oldState}, models.GrantRemoving)
	if err != nil {
		return err
	}
	if !ok {
		log.Error().Msg("race condition with grant")
		return nil
	}
	g.State = models.GrantRemoving

	_, system, drv, err := e.grantContext(g)
	if err == nil {
		err = drv.RemoveGrant(ctx, g)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to revoke access")

		g.RemovalFailures++
		g.State = oldState
		delay := retryDelay(g.RemovalFailures)
		at := time.Now().UTC().Add(delay)
		g.RemoveAt = &at
		if saveErr := e.store.SaveGrant(g); saveErr != nil {
			return saveErr
		}
		if system != nil {
			e.metrics.RemovalFailures.WithLabelValues(system.Name).Inc()
		}
		log.Info().Dur("retry_after", delay).Msg("retrying removal later")
		return nil
	}

	e.metrics.GrantsRemoved.WithLabelValues(system.Name).Inc()
	return nil
}

// Cancel withdraws the intent behind a grant. A grant that never reached the
// remote system is marked removed outright; an installed grant moves to
// cancelled and gets a removal scheduled. Any other state is a no-op.
func (e *Engine) Cancel(ctx context.Context, g *models.Grant) error {
	log := e.grantLogger(g)
	log.Info().Msg("cancelling grant")

	switch g.State {
	case models.GrantRequested:
		ok, err := e.store.TransitionGrant(g.ID, []models.GrantState{models.GrantRequested}, models.GrantRemoved)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn().Msg("cancel lost race, leaving grant alone")
			return nil
		}
		g.State = models.GrantRemoved
		now := time.Now().UTC()
		g.RemovedAt = &now
		return e.store.SaveGrant(g)

	case models.GrantInstalled:
		ok, err := e.store.TransitionGrant(g.ID, []models.GrantState{models.GrantInstalled}, models.GrantCancelled)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn().Msg("cancel lost race, leaving grant alone")
			return nil
		}
		g.State = models.GrantCancelled

		_, _, drv, err := e.grantContext(g)
		if err != nil {
			return err
		}
		if err := drv.PrepareRemoveGrant(ctx, g); err != nil {
			return err
		}
		return e.store.SaveGrant(g)

	default:
		log.Warn().Msg("cancel called in invalid state")
		return nil
	}
}
