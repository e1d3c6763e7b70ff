package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservio/accessgate/internal/driver"
	"github.com/reservio/accessgate/internal/engine"
	"github.com/reservio/accessgate/internal/metrics"
	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/notify"
	"github.com/reservio/accessgate/internal/pin"
	"github.com/reservio/accessgate/internal/store"
)

// recordingDriver logs the order of remote operations.
type recordingDriver struct {
	driver.Base

	env   driver.Env
	calls []string
}

func (d *recordingDriver) ValidateSystemConfig(models.JSONMap) error                  { return nil }
func (d *recordingDriver) ValidateResourceConfig(*models.Binding, models.JSONMap) error { return nil }
func (d *recordingDriver) SystemConfigSchema() models.JSONMap                         { return models.JSONMap{} }
func (d *recordingDriver) ResourceConfigSchema() models.JSONMap                       { return models.JSONMap{} }

func (d *recordingDriver) InstallGrant(_ context.Context, g *models.Grant) error {
	d.calls = append(d.calls, "install:"+g.ReservationID)
	g.State = models.GrantInstalled
	removeAt := g.EndsAt
	g.RemoveAt = &removeAt
	return d.env.Store.SaveGrant(g)
}

func (d *recordingDriver) RemoveGrant(_ context.Context, g *models.Grant) error {
	d.calls = append(d.calls, "remove:"+g.ReservationID)
	now := time.Now().UTC()
	g.State = models.GrantRemoved
	g.RemovedAt = &now
	return d.env.Store.SaveGrant(g)
}

type rig struct {
	store   *store.Store
	worker  *Worker
	driver  *recordingDriver
	system  *models.System
	binding *models.Binding
}

func newRig(t *testing.T) *rig {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := &rig{store: st, driver: &recordingDriver{}}

	registry := driver.NewRegistry(driver.Env{
		Store:    st,
		Pins:     &pin.Random{Set: st},
		Notifier: notify.NewLogNotifier(zerolog.Nop()),
		Logger:   zerolog.Nop(),
	})
	registry.Register("fake", func(_ *models.System, env driver.Env) (driver.Driver, error) {
		r.driver.env = env
		return r.driver, nil
	})

	m := metrics.New()
	eng := engine.New(st, registry, m, zerolog.Nop())
	r.worker = New(st, eng, m, zerolog.Nop())

	r.system = &models.System{Name: "hq", DriverKind: "fake"}
	require.NoError(t, st.SaveSystem(r.system))
	r.binding = &models.Binding{SystemID: r.system.ID, LocalResourceID: "room-1"}
	require.NoError(t, st.SaveBinding(r.binding))

	return r
}

func TestSweepRunsRemovalsBeforeInstalls(t *testing.T) {
	r := newRig(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	past := now.Add(-time.Minute)
	future := now.Add(2 * time.Hour)

	for _, res := range []string{"res-old", "res-new"} {
		require.NoError(t, r.store.UpsertReservation(&models.Reservation{
			ID: res, ResourceID: "room-1", UserID: "user-1",
			Begin: now, End: future,
		}))
	}

	leaving := &models.Grant{
		BindingID: r.binding.ID, ReservationID: "res-old",
		StartsAt: past, EndsAt: future,
		State: models.GrantInstalled, RemoveAt: &past,
	}
	require.NoError(t, r.store.CreateGrant(leaving))

	arriving := &models.Grant{
		BindingID: r.binding.ID, ReservationID: "res-new",
		StartsAt: now, EndsAt: future, InstallAt: &past,
	}
	require.NoError(t, r.store.CreateGrant(arriving))

	require.NoError(t, r.worker.Sweep(context.Background()))

	// Removal first so a re-issued credential never collides with the one
	// being retired.
	require.Equal(t, []string{"remove:res-old", "install:res-new"}, r.driver.calls)

	gone, err := r.store.GetGrant(leaving.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantRemoved, gone.State)

	live, err := r.store.GetGrant(arriving.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantInstalled, live.State)
}

func TestSweepLeavesFutureGrantsAlone(t *testing.T) {
	r := newRig(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	future := now.Add(time.Hour)

	g := &models.Grant{
		BindingID: r.binding.ID, ReservationID: "res-1",
		StartsAt: future, EndsAt: future.Add(time.Hour), InstallAt: &future,
	}
	require.NoError(t, r.store.CreateGrant(g))

	require.NoError(t, r.worker.Sweep(context.Background()))
	assert.Empty(t, r.driver.calls)

	got, err := r.store.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantRequested, got.State)
}

func TestSweepCleansUpTombstones(t *testing.T) {
	r := newRig(t)

	now := time.Now().UTC()
	g := &models.Grant{
		BindingID: r.binding.ID, ReservationID: "res-1",
		StartsAt: now, EndsAt: now.Add(time.Hour),
		State: models.GrantRemoved,
	}
	require.NoError(t, r.store.CreateGrant(g))
	require.NoError(t, r.store.MarkLocalResourceDeleted("room-1"))
	require.NoError(t, r.store.ClearGrantReservation("res-1"))

	require.NoError(t, r.worker.Sweep(context.Background()))

	gone, err := r.store.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	binding, err := r.store.GetBinding(r.binding.ID)
	require.NoError(t, err)
	assert.Nil(t, binding)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := newRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.worker.Run(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
