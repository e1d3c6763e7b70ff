// Package models defines the persisted entities of the access gate and the
// read models it consumes from the reservation store.
package models

import "time"

// GrantState is the lifecycle state of an access grant.
type GrantState string

const (
	GrantRequested  GrantState = "requested"
	GrantInstalling GrantState = "installing"
	GrantInstalled  GrantState = "installed"
	GrantCancelled  GrantState = "cancelled"
	GrantRemoving   GrantState = "removing"
	GrantRemoved    GrantState = "removed"
)

// ActiveGrantStates are the states in which a grant still represents live
// intent against the remote system. At most one grant per (binding,
// reservation) may be in one of these states.
var ActiveGrantStates = []GrantState{GrantRequested, GrantInstalling, GrantInstalled, GrantRemoving}

// Active reports whether the state counts toward the one-active-grant
// invariant.
func (s GrantState) Active() bool {
	switch s {
	case GrantRequested, GrantInstalling, GrantInstalled, GrantRemoving:
		return true
	}
	return false
}

// UserState is the lifecycle state of a credential holder.
type UserState string

const (
	UserInstalled UserState = "installed"
	UserRemoved   UserState = "removed"
)

// JSONMap is an opaque structured blob. Driver configuration and driver state
// are stored as JSONMaps; the engine never interprets their contents.
type JSONMap map[string]any

// GetString returns a string value from the map, or the given default when
// the key is absent or not a string.
func (m JSONMap) GetString(key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// System is one external access-control system instance.
type System struct {
	ID         string
	Name       string
	DriverKind string

	// ReservationLeewayMinutes pads the grant's active window before and
	// after the reservation window.
	ReservationLeewayMinutes int

	// DriverConfig is validated by the driver on admin writes and immutable
	// at runtime.
	DriverConfig JSONMap

	// DriverData is mutable state owned by the driver (session tokens,
	// object caches). All read-modify-write cycles go through the store's
	// system lock.
	DriverData JSONMap

	CreatedAt time.Time
}

// Binding links one local resource to one system. LocalResourceID is empty
// when the local resource has been deleted; such tombstones are cleaned up by
// the reconciliation worker once they carry no active grants.
type Binding struct {
	ID              string
	SystemID        string
	LocalResourceID string
	DriverConfig    JSONMap
	CreatedAt       time.Time
}

// AccessUser is a credential holder materialized in a system. Identifier is
// the PIN or card number, unique per system among installed users.
type AccessUser struct {
	ID          string
	SystemID    string
	LocalUserID string
	State       UserState
	FirstName   string
	LastName    string
	Identifier  string
	DriverData  JSONMap
	CreatedAt   time.Time
	RemovedAt   *time.Time
}

// Grant is the unit the state machine operates on: the intent that one
// reservation should be admitted by one bound resource for one window.
type Grant struct {
	ID            string
	BindingID     string
	ReservationID string
	UserID        string

	StartsAt time.Time
	EndsAt   time.Time

	// InstallAt and RemoveAt are the wall-clock times at which the
	// reconciliation worker acts on the grant.
	InstallAt *time.Time
	RemoveAt  *time.Time

	State      GrantState
	AccessCode string

	InstallationFailures int
	RemovalFailures      int

	DriverData JSONMap

	CreatedAt time.Time
	RemovedAt *time.Time
}

// Reservation is the read model the reservation store exposes on lifecycle
// events. The gate persists a snapshot so that grants scheduled for later
// installation survive restarts.
type Reservation struct {
	ID         string
	ResourceID string
	UserID     string
	Begin      time.Time
	End        time.Time
	AccessCode string

	User LocalUser
}

// LocalUser is the reservation owner's read model.
type LocalUser struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
}

// LocalResource is the reservation store's resource read model. Drivers that
// own PIN generation coerce GenerateAccessCodes to false through the
// binding-saved hook.
type LocalResource struct {
	ID                  string
	GenerateAccessCodes bool
}
