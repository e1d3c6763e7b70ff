package driver

import (
	"context"
	"fmt"

	"github.com/reservio/accessgate/internal/models"
)

// NotifyAccessCode propagates a freshly installed grant's code to the owning
// reservation and hands it to the notifier. Delivery is best-effort: a failed
// notification is logged but never fails the installation.
func (e Env) NotifyAccessCode(ctx context.Context, grant *models.Grant) error {
	if grant.ReservationID == "" {
		return nil
	}
	reservation, err := e.Store.GetReservation(grant.ReservationID)
	if err != nil {
		return err
	}
	if reservation == nil {
		return fmt.Errorf("reservation %s not found", grant.ReservationID)
	}
	if err := e.Store.SetReservationAccessCode(reservation.ID, grant.AccessCode); err != nil {
		return err
	}
	reservation.AccessCode = grant.AccessCode
	if err := e.Notifier.DeliverAccessCode(ctx, reservation, grant.AccessCode); err != nil {
		e.Logger.Error().Err(err).
			Str("grant_id", grant.ID).
			Str("reservation_id", reservation.ID).
			Msg("access code delivery failed")
	}
	return nil
}
