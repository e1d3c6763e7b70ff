package sipass

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservio/accessgate/internal/driver"
	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/notify"
	"github.com/reservio/accessgate/internal/pin"
	"github.com/reservio/accessgate/internal/store"
)

// fakeRemote is a minimal stand-in for the remote ACS API.
type fakeRemote struct {
	mux *http.ServeMux

	authCalls       int
	timeoutCalls    int
	cardholderBody  map[string]any
	cardholderFail  int // status code to answer cardholder creation with, 0 = success
	deletedCards    []string
	objectsStatus   int // non-zero forces object listings to fail
}

func newFakeRemote() *fakeRemote {
	f := &fakeRemote{mux: http.NewServeMux()}

	f.mux.HandleFunc("POST /authentication", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls++
		json.NewEncoder(w).Encode(map[string]string{"Token": "tok-1"})
	})
	f.mux.HandleFunc("GET /authentication/sessiontimeout", func(w http.ResponseWriter, r *http.Request) {
		f.timeoutCalls++
		json.NewEncoder(w).Encode(360)
	})
	f.mux.HandleFunc("GET /AccessPointGroups", func(w http.ResponseWriter, r *http.Request) {
		if f.objectsStatus != 0 {
			w.WriteHeader(f.objectsStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Records": []map[string]any{{"Token": "5", "Name": "Door A"}},
		})
	})
	f.mux.HandleFunc("GET /CredentialProfiles", func(w http.ResponseWriter, r *http.Request) {
		// Some endpoints answer a bare list instead of the paged envelope.
		json.NewEncoder(w).Encode([]map[string]any{
			{"Token": "7", "Name": "Visitor", "CardTechnologyCode": 3, "PINModeValue": map[string]any{"Type": 2}},
		})
	})
	f.mux.HandleFunc("GET /WorkGroups", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Records": []map[string]any{{"Token": "9", "Name": "Guests"}},
		})
	})
	f.mux.HandleFunc("POST /Cardholders", func(w http.ResponseWriter, r *http.Request) {
		if f.cardholderFail != 0 {
			w.WriteHeader(f.cardholderFail)
			json.NewEncoder(w).Encode(map[string]any{"ErrorCode": 17, "Message": "internal error"})
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.cardholderBody = body
		json.NewEncoder(w).Encode(map[string]string{"Token": "ch-1"})
	})
	f.mux.HandleFunc("DELETE /Cardholders/", func(w http.ResponseWriter, r *http.Request) {
		f.deletedCards = append(f.deletedCards, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	return f
}

type rig struct {
	remote  *fakeRemote
	store   *store.Store
	system  *models.System
	binding *models.Binding
	driver  *Driver
}

func newRig(t *testing.T) *rig {
	t.Helper()

	remote := newFakeRemote()
	srv := httptest.NewServer(remote.mux)
	t.Cleanup(srv.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	system := &models.System{
		Name:       "hq",
		DriverKind: Kind,
		DriverConfig: models.JSONMap{
			"api_url":                   srv.URL,
			"username":                  "api-user",
			"password":                  "api-pass",
			"credential_profile_name":   "Visitor",
			"cardholder_workgroup_name": "Guests",
		},
	}
	require.NoError(t, st.SaveSystem(system))

	binding := &models.Binding{
		SystemID:        system.ID,
		LocalResourceID: "room-1",
		DriverConfig:    models.JSONMap{"access_point_group_name": "Door A"},
	}
	require.NoError(t, st.SaveBinding(binding))

	env := driver.Env{
		Store:    st,
		Pins:     &pin.Random{Set: st},
		Notifier: notify.NewLogNotifier(zerolog.Nop()),
		Logger:   zerolog.Nop(),
	}
	d, err := New(system, env)
	require.NoError(t, err)

	return &rig{remote: remote, store: st, system: system, binding: binding, driver: d.(*Driver)}
}

func (r *rig) installingGrant(t *testing.T, reservationID string) *models.Grant {
	t.Helper()

	begin := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, r.store.UpsertReservation(&models.Reservation{
		ID:         reservationID,
		ResourceID: "room-1",
		UserID:     "user-1",
		Begin:      begin,
		End:        begin.Add(time.Hour),
		User:       models.LocalUser{ID: "user-1", FirstName: "Maija", LastName: "Meikäläinen"},
	}))

	g := &models.Grant{
		BindingID:     r.binding.ID,
		ReservationID: reservationID,
		StartsAt:      begin,
		EndsAt:        begin.Add(time.Hour),
	}
	require.NoError(t, r.store.CreateGrant(g))
	ok, err := r.store.TransitionGrant(g.ID, []models.GrantState{models.GrantRequested}, models.GrantInstalling)
	require.NoError(t, err)
	require.True(t, ok)
	g.State = models.GrantInstalling
	return g
}

func TestEnsureTokenAuthenticatesOnce(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	tok, err := r.driver.ensureToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.Equal(t, 1, r.remote.authCalls)
	assert.Equal(t, 1, r.remote.timeoutCalls)

	// A second call reuses the cached token and the cached session timeout.
	tok, err = r.driver.ensureToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.Equal(t, 1, r.remote.authCalls)
	assert.Equal(t, 1, r.remote.timeoutCalls)
}

func TestEnsureTokenReauthenticatesWhenExpired(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.driver.ensureToken(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r.remote.authCalls)

	stale := &sessionToken{Value: "tok-stale", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, r.store.UpdateDriverData(r.system.ID, models.JSONMap{
		"token": stale.serialize(),
	}))

	tok, err := r.driver.ensureToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.Equal(t, 2, r.remote.authCalls)
}

func TestInstallGrant(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	g := r.installingGrant(t, "res-1")
	require.NoError(t, r.driver.InstallGrant(ctx, g))

	got, err := r.store.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantInstalled, got.State)
	assert.Len(t, got.AccessCode, 4)
	require.NotNil(t, got.RemoveAt)
	assert.True(t, got.RemoveAt.Equal(got.EndsAt))

	user, err := r.store.GetUser(got.UserID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, models.UserInstalled, user.State)
	assert.Equal(t, got.AccessCode, user.Identifier)
	assert.Equal(t, "ch-1", user.DriverData.GetString("cardholder_id", ""))

	// The snapshot carries the provisioned code for the notifier.
	res, err := r.store.GetReservation("res-1")
	require.NoError(t, err)
	assert.Equal(t, got.AccessCode, res.AccessCode)

	// Payload shape the remote insists on.
	body := r.remote.cardholderBody
	require.NotNil(t, body)
	assert.EqualValues(t, 61, body["Status"])
	assert.Equal(t, "-1", body["Token"])
	assert.Equal(t, "Maija", body["FirstName"])
	assert.Equal(t, "Meikäläinen", body["LastName"])

	creds := body["Credentials"].([]any)
	require.Len(t, creds, 1)
	cred := creds[0].(map[string]any)
	assert.Equal(t, got.AccessCode, cred["Pin"])
	assert.Equal(t, got.AccessCode, cred["CardNumber"])
	assert.Equal(t, "Visitor", cred["ProfileName"])

	rules := body["AccessRules"].([]any)
	require.Len(t, rules, 1)
	rule := rules[0].(map[string]any)
	assert.Equal(t, "5", rule["RuleToken"])
	assert.Equal(t, "Door A", rule["ObjectName"])
	// The start is shifted back to tolerate remote clock drift.
	assert.Equal(t, isoTime(got.StartsAt.Add(-clockSkewLeeway)), body["StartDate"])
	assert.Equal(t, isoTime(got.EndsAt), body["EndDate"])
}

func TestInstallGrantFallbackName(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	g := r.installingGrant(t, "res-1")
	require.NoError(t, r.store.UpsertReservation(&models.Reservation{
		ID:         "res-1",
		ResourceID: "room-1",
		UserID:     "user-1",
		Begin:      g.StartsAt,
		End:        g.EndsAt,
		User:       models.LocalUser{ID: "user-1"},
	}))

	require.NoError(t, r.driver.InstallGrant(ctx, g))
	assert.Equal(t, fallbackName, r.remote.cardholderBody["FirstName"])
	assert.Equal(t, fallbackName, r.remote.cardholderBody["LastName"])
}

func TestInstallGrantRemoteFailureCleansUp(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.remote.cardholderFail = http.StatusInternalServerError

	g := r.installingGrant(t, "res-1")
	err := r.driver.InstallGrant(ctx, g)
	require.Error(t, err)

	// The credential never reached the remote: no user row may survive,
	// otherwise its PIN would leak out of the pool.
	count, err := r.store.CountUsers(r.system.ID, models.UserInstalled)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := r.store.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantInstalling, got.State)
	assert.Empty(t, got.AccessCode)

	// Any remote error invalidates the object cache.
	data, err := r.store.GetDriverData(r.system.ID)
	require.NoError(t, err)
	cache, ok := data["object_cache"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, cache)
}

func TestUnauthorizedDropsToken(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.remote.objectsStatus = http.StatusUnauthorized

	var raw json.RawMessage
	err := r.driver.apiGet(ctx, "AccessPointGroups", nil, &raw)
	require.Error(t, err)

	data, err := r.store.GetDriverData(r.system.ID)
	require.NoError(t, err)
	_, ok := data["token"]
	assert.False(t, ok, "401 must drop the cached session token")
}

func TestObjectCacheAvoidsRefetch(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	g := r.installingGrant(t, "res-1")
	require.NoError(t, r.driver.InstallGrant(ctx, g))

	// The second install resolves everything from the cache; only the
	// cardholder POST hits the remote object endpoints again.
	g2 := r.installingGrant(t, "res-2")
	require.NoError(t, r.driver.InstallGrant(ctx, g2))

	objs, err := r.driver.cachedObjects(objAccessPointGroups)
	require.NoError(t, err)
	require.Contains(t, objs, "Door A")
}

func TestObjectByNameRejectsUnknownName(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.binding.DriverConfig = models.JSONMap{"access_point_group_name": "No Such Door"}
	_, err := r.driver.objectByName(ctx, r.binding, objAccessPointGroups, "access_point_group_name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid access_point_groups name")
}

func TestRemoveGrant(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	g := r.installingGrant(t, "res-1")
	require.NoError(t, r.driver.InstallGrant(ctx, g))

	installed, err := r.store.GetGrant(g.ID)
	require.NoError(t, err)
	ok, err := r.store.TransitionGrant(g.ID, []models.GrantState{models.GrantInstalled}, models.GrantRemoving)
	require.NoError(t, err)
	require.True(t, ok)
	installed.State = models.GrantRemoving

	require.NoError(t, r.driver.RemoveGrant(ctx, installed))
	require.Equal(t, []string{"/Cardholders/ch-1"}, r.remote.deletedCards)

	got, err := r.store.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantRemoved, got.State)
	require.NotNil(t, got.RemovedAt)

	user, err := r.store.GetUser(got.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.UserRemoved, user.State)
}

func TestPrepareInstallGrantSchedulesEarly(t *testing.T) {
	r := newRig(t)

	begin := time.Now().UTC().Add(48 * time.Hour)
	g := &models.Grant{StartsAt: begin, EndsAt: begin.Add(time.Hour)}
	require.NoError(t, r.driver.PrepareInstallGrant(context.Background(), g))
	require.NotNil(t, g.InstallAt)
	assert.True(t, g.InstallAt.Equal(begin.Add(-24*time.Hour)))
}

func TestSaveLocalResourceDisablesLocalCodes(t *testing.T) {
	r := newRig(t)

	res := &models.LocalResource{ID: "room-1", GenerateAccessCodes: true}
	r.driver.SaveLocalResource(r.binding, res)
	assert.False(t, res.GenerateAccessCodes)
}
