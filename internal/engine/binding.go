package engine

import (
	"context"
	"time"

	"github.com/reservio/accessgate/internal/models"
)

// padWindow widens the reservation window by the system's leeway.
func padWindow(begin, end time.Time, leewayMinutes int) (time.Time, time.Time) {
	leeway := time.Duration(leewayMinutes) * time.Minute
	return begin.Add(-leeway), end.Add(leeway)
}

// GrantAccess ensures an active grant exists for the reservation on the
// given binding. Idempotent: when the active grant already matches the
// requested user and window it is returned unchanged and no remote work is
// queued. A differing active grant is cancelled and replaced.
func (e *Engine) GrantAccess(ctx context.Context, binding *models.Binding, reservation *models.Reservation) (*models.Grant, error) {
	system, err := e.store.GetSystem(binding.SystemID)
	if err != nil {
		return nil, err
	}

	grant := &models.Grant{
		BindingID:     binding.ID,
		ReservationID: reservation.ID,
		State:         models.GrantRequested,
	}
	grant.StartsAt, grant.EndsAt = padWindow(reservation.Begin, reservation.End, system.ReservationLeewayMinutes)

	var result *models.Grant
	err = e.store.WithSystemLock(system.ID, func() error {
		existing, err := e.store.ActiveGrantsFor(binding.ID, reservation.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			old := existing[0]
			changed, err := e.grantChanged(old, grant, reservation)
			if err != nil {
				return err
			}
			if !changed {
				result = old
				return nil
			}
			if err := e.Cancel(ctx, old); err != nil {
				return err
			}
		}
		if err := e.store.CreateGrant(grant); err != nil {
			return err
		}
		result = grant
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != grant {
		return result, nil
	}

	drv, err := e.registry.ForSystem(system)
	if err != nil {
		return nil, err
	}
	if err := drv.PrepareInstallGrant(ctx, grant); err != nil {
		return nil, err
	}
	if err := e.store.SaveGrant(grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// RevokeAccess cancels the active grant for the reservation on the binding,
// if any.
func (e *Engine) RevokeAccess(ctx context.Context, binding *models.Binding, reservation *models.Reservation) error {
	return e.store.WithSystemLock(binding.SystemID, func() error {
		existing, err := e.store.ActiveGrantsFor(binding.ID, reservation.ID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return nil
		}
		return e.Cancel(ctx, existing[0])
	})
}

// grantChanged reports whether a prospective grant differs from the active
// one: a different effective user or a different window.
func (e *Engine) grantChanged(old, fresh *models.Grant, reservation *models.Reservation) (bool, error) {
	if old.UserID != "" {
		user, err := e.store.GetUser(old.UserID)
		if err != nil {
			return false, err
		}
		if user != nil && user.LocalUserID != reservation.UserID {
			return true, nil
		}
	}
	if !old.StartsAt.Equal(fresh.StartsAt) {
		return true, nil
	}
	if !old.EndsAt.Equal(fresh.EndsAt) {
		return true, nil
	}
	return false, nil
}
