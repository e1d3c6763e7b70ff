package sipass

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservio/accessgate/internal/acerr"
	"github.com/reservio/accessgate/internal/models"
)

func validConfig() models.JSONMap {
	return models.JSONMap{
		"api_url":                   "https://acs.example.com/api",
		"username":                  "u",
		"password":                  "p",
		"credential_profile_name":   "Visitor",
		"cardholder_workgroup_name": "Guests",
	}
}

func TestValidateSystemConfig(t *testing.T) {
	d := &Driver{}

	require.NoError(t, d.ValidateSystemConfig(validConfig()))

	for _, field := range []string{
		"api_url", "username", "password", "credential_profile_name", "cardholder_workgroup_name",
	} {
		cfg := validConfig()
		delete(cfg, field)
		err := d.ValidateSystemConfig(cfg)
		require.Error(t, err, "missing %s must fail", field)
		var verr *acerr.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, field, verr.Field)
	}

	cfg := validConfig()
	cfg["api_url"] = "ftp://acs.example.com"
	assert.Error(t, d.ValidateSystemConfig(cfg))

	cfg = validConfig()
	cfg["tls_ca_cert"] = "not a certificate"
	assert.Error(t, d.ValidateSystemConfig(cfg))
}

func TestParseSystemConfigDefaults(t *testing.T) {
	cfg := parseSystemConfig(models.JSONMap{
		"api_url": "https://acs.example.com/api/",
	})
	assert.Equal(t, "https://acs.example.com/api", cfg.APIURL, "trailing slash stripped")
	assert.Equal(t, defaultClientID, cfg.ClientID)
	assert.True(t, cfg.VerifyTLS)

	cfg = parseSystemConfig(models.JSONMap{"verify_tls": false})
	assert.False(t, cfg.VerifyTLS)
}

func TestValidateResourceConfig(t *testing.T) {
	d := &Driver{}

	require.NoError(t, d.ValidateResourceConfig(nil, models.JSONMap{
		"access_point_group_name": "Door A",
	}))
	assert.Error(t, d.ValidateResourceConfig(nil, models.JSONMap{}))
}

func TestResourceIdentifier(t *testing.T) {
	d := &Driver{}
	b := &models.Binding{DriverConfig: models.JSONMap{"access_point_group_name": "Door A"}}
	assert.Equal(t, "Door A", d.ResourceIdentifier(b))
}

func TestSessionTokenExpiry(t *testing.T) {
	fresh := &sessionToken{Value: "t", ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, fresh.expired())

	// Within the leeway window the token counts as expired even though its
	// nominal expiry has not passed.
	closing := &sessionToken{Value: "t", ExpiresAt: time.Now().Add(10 * time.Second)}
	assert.True(t, closing.expired())

	gone := &sessionToken{Value: "t", ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, gone.expired())
}

func TestDeserializeToken(t *testing.T) {
	original := &sessionToken{Value: "tok", ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second)}

	// Driver data round-trips through JSON, so numbers come back as float64.
	roundTripped := map[string]any{
		"value":      "tok",
		"expires_at": float64(original.ExpiresAt.Unix()),
	}
	got := deserializeToken(roundTripped)
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.Value)
	assert.True(t, got.ExpiresAt.Equal(original.ExpiresAt))

	assert.Nil(t, deserializeToken(nil))
	assert.Nil(t, deserializeToken(map[string]any{"value": ""}))
	assert.Nil(t, deserializeToken("garbage"))
}
