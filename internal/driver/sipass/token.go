package sipass

import (
	"context"
	"time"

	"github.com/reservio/accessgate/internal/acerr"
	"github.com/reservio/accessgate/internal/models"
)

// expiryLeeway treats a token as expired this long before its nominal
// expiry, so a call never departs with a token about to lapse mid-flight.
const expiryLeeway = 30 * time.Second

// defaultSessionTimeout is used when the remote does not report a usable
// session timeout.
const defaultSessionTimeout = 360

type sessionToken struct {
	Value     string
	ExpiresAt time.Time
}

func (t *sessionToken) expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt.Add(-expiryLeeway))
}

func (t *sessionToken) serialize() models.JSONMap {
	return models.JSONMap{
		"value":      t.Value,
		"expires_at": t.ExpiresAt.Unix(),
	}
}

func deserializeToken(data any) *sessionToken {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	value, ok := m["value"].(string)
	if !ok || value == "" {
		return nil
	}
	expires, ok := m["expires_at"].(float64)
	if !ok {
		return nil
	}
	return &sessionToken{Value: value, ExpiresAt: time.Unix(int64(expires), 0)}
}

// ensureToken returns a valid session token, authenticating when the cached
// one is missing or expired, and refreshes its expiry against the remote's
// configured session timeout.
func (d *Driver) ensureToken(ctx context.Context) (*sessionToken, error) {
	data, err := d.env.Store.GetDriverData(d.system.ID)
	if err != nil {
		return nil, err
	}

	token := deserializeToken(data["token"])
	if token == nil || token.expired() {
		token, err = d.authenticate(ctx)
		if err != nil {
			return nil, err
		}
	}

	timeout := defaultSessionTimeout
	if v, ok := data["token_expiration_time"].(float64); ok && v > 0 {
		timeout = int(v)
	} else {
		// Fetched once and cached; the remote reports it in seconds.
		fetched, err := d.fetchSessionTimeout(ctx, token.Value)
		if err != nil {
			return nil, err
		}
		if fetched > 0 {
			timeout = fetched
		}
		if err := d.env.Store.UpdateDriverData(d.system.ID, models.JSONMap{
			"token_expiration_time": timeout,
		}); err != nil {
			return nil, err
		}
	}

	token.ExpiresAt = time.Now().Add(time.Duration(timeout) * time.Second)
	if err := d.env.Store.UpdateDriverData(d.system.ID, models.JSONMap{
		"token": token.serialize(),
	}); err != nil {
		return nil, err
	}
	return token, nil
}

func (d *Driver) authenticate(ctx context.Context) (*sessionToken, error) {
	cfg := d.config()
	var resp struct {
		Token string `json:"Token"`
	}
	err := d.requestUnauth(ctx, "POST", "authentication", map[string]string{
		"Username": cfg.Username,
		"Password": cfg.Password,
	}, nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, acerr.NewRemoteError("username or password incorrect")
	}
	d.logger.Info().Msg("authenticated against remote")
	return &sessionToken{Value: resp.Token}, nil
}

func (d *Driver) fetchSessionTimeout(ctx context.Context, token string) (int, error) {
	var raw any
	err := d.requestUnauth(ctx, "GET", "authentication/sessiontimeout", nil, nil, map[string]string{
		"Authorization": token,
	}, &raw)
	if err != nil {
		return 0, err
	}
	// Some deployments answer with things other than a bare integer; the
	// caller falls back to the default then.
	if seconds, ok := raw.(float64); ok {
		return int(seconds), nil
	}
	return 0, nil
}

// dropToken discards the cached session token. Called on HTTP 401 so the
// next attempt re-authenticates.
func (d *Driver) dropToken() {
	if err := d.env.Store.UpdateDriverData(d.system.ID, models.JSONMap{"token": nil}); err != nil {
		d.logger.Error().Err(err).Msg("failed to drop session token")
	}
}
