package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservio/accessgate/internal/models"
)

type fakePoster struct {
	channel string
	calls   int
	err     error
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.channel = channelID
	return "", "", f.err
}

func testReservation() *models.Reservation {
	begin := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	return &models.Reservation{
		ID:    "res-1",
		Begin: begin,
		End:   begin.Add(2 * time.Hour),
		User:  models.LocalUser{FirstName: "Maija", LastName: "Meikäläinen"},
	}
}

func TestSlackNotifierPostsToChannel(t *testing.T) {
	n := NewSlackNotifier("xoxb-test", "#front-desk", zerolog.Nop())
	poster := &fakePoster{}
	n.SetAPI(poster)

	require.NoError(t, n.DeliverAccessCode(context.Background(), testReservation(), "4711"))
	assert.Equal(t, 1, poster.calls)
	assert.Equal(t, "#front-desk", poster.channel)
}

func TestSlackNotifierSurfacesErrors(t *testing.T) {
	n := NewSlackNotifier("xoxb-test", "#front-desk", zerolog.Nop())
	n.SetAPI(&fakePoster{err: errors.New("channel_not_found")})

	err := n.DeliverAccessCode(context.Background(), testReservation(), "4711")
	require.Error(t, err)
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	assert.NoError(t, n.DeliverAccessCode(context.Background(), testReservation(), "4711"))
}
