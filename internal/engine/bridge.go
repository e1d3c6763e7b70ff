package engine

import (
	"context"

	"github.com/reservio/accessgate/internal/models"
)

// The event bridge: the reservation store invokes these callbacks on
// lifecycle events. The bridge only marks intent; the reconciliation worker
// performs the remote work.

// ReservationConfirmed requests access for a confirmed reservation.
func (e *Engine) ReservationConfirmed(ctx context.Context, reservation *models.Reservation) error {
	if err := e.store.UpsertReservation(reservation); err != nil {
		return err
	}
	binding, err := e.bindingFor(reservation.ResourceID)
	if err != nil || binding == nil {
		return err
	}
	_, err = e.GrantAccess(ctx, binding, reservation)
	return err
}

// ReservationModified re-evaluates access for a modified reservation. A
// no-op when the effective user and window are unchanged.
func (e *Engine) ReservationModified(ctx context.Context, reservation *models.Reservation) error {
	return e.ReservationConfirmed(ctx, reservation)
}

// ReservationCancelled revokes access for a cancelled reservation.
func (e *Engine) ReservationCancelled(ctx context.Context, reservation *models.Reservation) error {
	if err := e.store.UpsertReservation(reservation); err != nil {
		return err
	}
	binding, err := e.bindingFor(reservation.ResourceID)
	if err != nil || binding == nil {
		return err
	}
	return e.RevokeAccess(ctx, binding, reservation)
}

// ReservationDeleted revokes access and detaches the reservation from its
// grants. The detached rows become tombstones swept by the worker.
func (e *Engine) ReservationDeleted(ctx context.Context, reservation *models.Reservation) error {
	if err := e.ReservationCancelled(ctx, reservation); err != nil {
		return err
	}
	if err := e.store.ClearGrantReservation(reservation.ID); err != nil {
		return err
	}
	return e.store.DeleteReservation(reservation.ID)
}

// LocalResourceSaved lets the bound driver coerce local-resource invariants.
// The caller persists the (possibly mutated) record afterwards.
func (e *Engine) LocalResourceSaved(localResource *models.LocalResource) error {
	binding, err := e.bindingFor(localResource.ID)
	if err != nil || binding == nil {
		return err
	}
	system, err := e.store.GetSystem(binding.SystemID)
	if err != nil {
		return err
	}
	drv, err := e.registry.ForSystem(system)
	if err != nil {
		return err
	}
	drv.SaveLocalResource(binding, localResource)
	return nil
}

// bindingFor picks the binding attached to a local resource. Only one
// binding per local resource is supported; additional bindings are ignored
// with a logged error.
func (e *Engine) bindingFor(localResourceID string) (*models.Binding, error) {
	bindings, err := e.store.BindingsForLocalResource(localResourceID)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	if len(bindings) > 1 {
		e.logger.Error().
			Str("local_resource_id", localResourceID).
			Int("bindings", len(bindings)).
			Msg("currently supporting only one access control binding per local resource")
	}
	return bindings[0], nil
}
