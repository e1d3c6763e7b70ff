// Package sipass implements the reference driver for a SiPass-style
// access-control system: a JSON-over-HTTPS API with session-token
// authentication, named object caches and cardholder CRUD.
package sipass

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reservio/accessgate/internal/acerr"
	"github.com/reservio/accessgate/internal/driver"
	"github.com/reservio/accessgate/internal/models"
)

// Kind is the registry tag of this driver.
const Kind = "sipass"

// fallbackName fills cardholder name fields the remote requires when the
// reservation owner has none.
const fallbackName = "Accessgate"

// Driver talks to one SiPass-style system instance.
type Driver struct {
	driver.Base

	system *models.System
	env    driver.Env
	logger zerolog.Logger

	clientOnce sync.Once
	client     *http.Client
	clientErr  error
}

// Register adds the sipass driver to a registry.
func Register(r *driver.Registry) {
	r.Register(Kind, New)
}

// New creates a driver instance bound to one system.
func New(system *models.System, env driver.Env) (driver.Driver, error) {
	return &Driver{
		system: system,
		env:    env,
		logger: env.Logger.With().
			Str("component", "driver.sipass").
			Str("system", system.Name).
			Logger(),
	}, nil
}

func (d *Driver) config() systemConfig {
	return parseSystemConfig(d.system.DriverConfig)
}

// PrepareInstallGrant schedules installation one day before the window
// opens: remote propagation to the building units is slow and the early
// install compensates.
func (d *Driver) PrepareInstallGrant(_ context.Context, grant *models.Grant) error {
	at := grant.StartsAt.Add(-24 * time.Hour)
	grant.InstallAt = &at
	return nil
}

// InstallGrant provisions a credential holder on the remote system:
// allocates a PIN, persists the local user row, creates the remote
// cardholder, and advances the grant to installed. On any failure after the
// user row exists it is deleted again, since the remote never consumed it.
func (d *Driver) InstallGrant(ctx context.Context, grant *models.Grant) error {
	log := d.logger.With().Str("grant_id", grant.ID).Logger()
	log.Info().Msg("installing grant on remote")

	if grant.State != models.GrantInstalling {
		return fmt.Errorf("install_grant called on grant in state %s", grant.State)
	}

	binding, err := d.env.Store.GetBinding(grant.BindingID)
	if err != nil {
		return err
	}
	if binding == nil {
		return fmt.Errorf("grant %s references missing binding", grant.ID)
	}

	reservation, err := d.env.Store.GetReservation(grant.ReservationID)
	if err != nil {
		return err
	}
	if reservation == nil {
		return acerr.NewRemoteError("reservation %s not found", grant.ReservationID)
	}

	user, err := d.createAccessUser(reservation)
	if err != nil {
		return err
	}

	req, err := d.buildCardholderRequest(ctx, binding, user, grant)
	var cardholderID string
	if err == nil {
		cardholderID, err = d.createCardholder(ctx, req)
	}
	if err != nil {
		// The credential never reached the remote; drop the local row so
		// the PIN returns to the pool.
		if delErr := d.env.Store.DeleteUser(user.ID); delErr != nil {
			log.Error().Err(delErr).Msg("failed to delete unconsumed user row")
		}
		return err
	}

	log.Info().Str("cardholder_id", cardholderID).Msg("cardholder created")

	if err := d.env.Store.UpdateUserDriverData(user.ID, models.JSONMap{
		"cardholder_id": cardholderID,
	}); err != nil {
		return err
	}

	grant.UserID = user.ID
	grant.AccessCode = user.Identifier
	grant.State = models.GrantInstalled
	removeAt := grant.EndsAt
	grant.RemoveAt = &removeAt
	if err := d.env.Store.SaveGrant(grant); err != nil {
		return err
	}
	return d.env.NotifyAccessCode(ctx, grant)
}

// createAccessUser allocates a PIN and persists the credential holder. The
// PIN doubles as the cardholder identifier, so allocation and insertion
// happen under the system lock.
func (d *Driver) createAccessUser(reservation *models.Reservation) (*models.AccessUser, error) {
	firstName := reservation.User.FirstName
	if firstName == "" {
		firstName = fallbackName
	}
	lastName := reservation.User.LastName
	if lastName == "" {
		lastName = fallbackName
	}

	var user *models.AccessUser
	err := d.env.Store.WithSystemLock(d.system.ID, func() error {
		pin, err := d.env.Pins.Allocate(d.system.ID)
		if err != nil {
			return err
		}
		user = &models.AccessUser{
			SystemID:    d.system.ID,
			LocalUserID: reservation.UserID,
			State:       models.UserInstalled,
			FirstName:   firstName,
			LastName:    lastName,
			Identifier:  pin,
		}
		return d.env.Store.CreateUser(user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// RemoveGrant deletes the remote cardholder and marks both the user and the
// grant removed.
func (d *Driver) RemoveGrant(ctx context.Context, grant *models.Grant) error {
	log := d.logger.With().Str("grant_id", grant.ID).Logger()
	log.Info().Msg("removing grant from remote")

	if grant.State != models.GrantRemoving {
		return fmt.Errorf("remove_grant called on grant in state %s", grant.State)
	}
	if grant.UserID == "" {
		return acerr.NewRemoteError("grant %s has no credential holder", grant.ID)
	}

	user, err := d.env.Store.GetUser(grant.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return acerr.NewRemoteError("user %s not found", grant.UserID)
	}
	cardholderID := user.DriverData.GetString("cardholder_id", "")
	if cardholderID == "" {
		return acerr.NewRemoteError("user %s has no cardholder id", user.ID)
	}

	if err := d.removeCardholder(ctx, cardholderID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := d.env.Store.MarkUserRemoved(user.ID, now); err != nil {
		return err
	}
	grant.State = models.GrantRemoved
	grant.RemovedAt = &now
	if err := d.env.Store.SaveGrant(grant); err != nil {
		return err
	}

	log.Info().Str("cardholder_id", cardholderID).Msg("cardholder removed")
	return nil
}

// SaveLocalResource disables local access-code generation: this driver owns
// the PINs.
func (d *Driver) SaveLocalResource(_ *models.Binding, localResource *models.LocalResource) {
	localResource.GenerateAccessCodes = false
}
