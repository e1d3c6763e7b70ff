package ops

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, zerolog.Nop()), st
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest("GET", "/readyz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestListSystems(t *testing.T) {
	s, st := newTestServer(t)

	sys := &models.System{
		Name:       "hq",
		DriverKind: "sipass",
		DriverConfig: models.JSONMap{
			"api_url":  "https://acs.example.com",
			"password": "hunter2",
		},
	}
	require.NoError(t, st.SaveSystem(sys))
	require.NoError(t, st.SaveBinding(&models.Binding{SystemID: sys.ID, LocalResourceID: "room-1"}))

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/v1/systems", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body struct {
		Systems []map[string]any `json:"systems"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Systems, 1)
	assert.Equal(t, "hq", body.Systems[0]["name"])
	assert.Equal(t, "sipass", body.Systems[0]["driver_kind"])
	assert.EqualValues(t, 1, body.Systems[0]["bindings"])

	// Credentials must never leak through the ops API.
	_, hasConfig := body.Systems[0]["driver_config"]
	assert.False(t, hasConfig)
}

func TestListObjectsOmitsSessionToken(t *testing.T) {
	s, st := newTestServer(t)

	sys := &models.System{Name: "hq", DriverKind: "sipass"}
	require.NoError(t, st.SaveSystem(sys))
	require.NoError(t, st.UpdateDriverData(sys.ID, models.JSONMap{
		"token": map[string]any{"value": "secret"},
		"object_cache": map[string]any{
			"access_point_groups": map[string]any{
				"Door A": map[string]any{"id": "5", "name": "Door A"},
			},
		},
	}))

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/v1/systems/"+sys.ID+"/objects", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	objects := body["objects"].(map[string]any)
	assert.Contains(t, objects, "access_point_groups")
	_, hasToken := body["token"]
	assert.False(t, hasToken)

	resp, err = s.App().Test(httptest.NewRequest("GET", "/api/v1/systems/nope/objects", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestListGrantsFilterByState(t *testing.T) {
	s, st := newTestServer(t)

	sys := &models.System{Name: "hq", DriverKind: "sipass"}
	require.NoError(t, st.SaveSystem(sys))
	b := &models.Binding{SystemID: sys.ID, LocalResourceID: "room-1"}
	require.NoError(t, st.SaveBinding(b))

	now := time.Now().UTC()
	require.NoError(t, st.CreateGrant(&models.Grant{
		BindingID: b.ID, ReservationID: "res-1", StartsAt: now, EndsAt: now.Add(time.Hour),
	}))
	require.NoError(t, st.CreateGrant(&models.Grant{
		BindingID: b.ID, ReservationID: "res-2", StartsAt: now, EndsAt: now.Add(time.Hour),
		State: models.GrantInstalled,
	}))

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/v1/grants?state=installed", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body struct {
		Grants []map[string]any `json:"grants"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Grants, 1)
	assert.Equal(t, "res-2", body.Grants[0]["reservation_id"])
	assert.Equal(t, "installed", body.Grants[0]["state"])

	resp, err = s.App().Test(httptest.NewRequest("GET", "/api/v1/grants", nil))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Grants, 2)
}
