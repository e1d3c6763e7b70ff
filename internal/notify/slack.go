package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/reservio/accessgate/internal/models"
)

// SlackPoster is the subset of the Slack API the notifier needs.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts access codes to a configured Slack channel. Intended
// for staffed venues where a human relays the code to the visitor.
type SlackNotifier struct {
	api     SlackPoster
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier creates a Slack-backed notifier.
func NewSlackNotifier(token, channel string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:     slack.New(token),
		channel: channel,
		logger:  logger.With().Str("component", "notify.slack").Logger(),
	}
}

// SetAPI sets a custom Slack client (for testing).
func (n *SlackNotifier) SetAPI(api SlackPoster) {
	n.api = api
}

// DeliverAccessCode posts the code to the configured channel.
func (n *SlackNotifier) DeliverAccessCode(ctx context.Context, reservation *models.Reservation, code string) error {
	name := reservation.User.FirstName
	if reservation.User.LastName != "" {
		name = name + " " + reservation.User.LastName
	}
	text := fmt.Sprintf("Access code for reservation `%s` (%s, %s – %s): *%s*",
		reservation.ID, name,
		reservation.Begin.Format("2006-01-02 15:04"),
		reservation.End.Format("15:04"),
		code,
	)
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		n.logger.Error().Err(err).Str("reservation_id", reservation.ID).Msg("slack delivery failed")
		return fmt.Errorf("posting access code: %w", err)
	}
	return nil
}
