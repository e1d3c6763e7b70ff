// Package notify delivers freshly provisioned access codes to reservation
// owners. Delivery is best-effort; a failed delivery never fails the grant.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/reservio/accessgate/internal/models"
)

// Notifier delivers an access code for a reservation.
type Notifier interface {
	DeliverAccessCode(ctx context.Context, reservation *models.Reservation, code string) error
}

// LogNotifier records deliveries in the log. Used in development and as the
// fallback when no real channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// DeliverAccessCode logs the delivery. The code itself is not logged.
func (n *LogNotifier) DeliverAccessCode(_ context.Context, reservation *models.Reservation, code string) error {
	n.logger.Info().
		Str("reservation_id", reservation.ID).
		Str("user_id", reservation.UserID).
		Int("code_len", len(code)).
		Msg("access code provisioned")
	return nil
}
