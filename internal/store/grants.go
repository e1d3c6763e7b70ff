package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reservio/accessgate/internal/models"
)

const grantColumns = `id, binding_id, reservation_id, user_id, starts_at, ends_at, install_at, remove_at, state, access_code, installation_failures, removal_failures, driver_data, created_at, removed_at`

// CreateGrant inserts a new grant.
func (s *Store) CreateGrant(g *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.State == "" {
		g.State = models.GrantRequested
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	data, err := marshalJSON(g.DriverData)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO ac_grant (id, binding_id, reservation_id, user_id, starts_at, ends_at, install_at, remove_at,
		state, access_code, installation_failures, removal_failures, driver_data, created_at, removed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		g.ID, g.BindingID, nullString(g.ReservationID), nullString(g.UserID),
		g.StartsAt.UnixMilli(), g.EndsAt.UnixMilli(), nullTime(g.InstallAt), nullTime(g.RemoveAt),
		string(g.State), nullString(g.AccessCode), g.InstallationFailures, g.RemovalFailures,
		data, g.CreatedAt.UnixMilli(), nullTime(g.RemovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// SaveGrant persists all mutable grant fields.
func (s *Store) SaveGrant(g *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := marshalJSON(g.DriverData)
	if err != nil {
		return err
	}

	query := `
	UPDATE ac_grant SET
		reservation_id = ?, user_id = ?, starts_at = ?, ends_at = ?, install_at = ?, remove_at = ?,
		state = ?, access_code = ?, installation_failures = ?, removal_failures = ?,
		driver_data = ?, removed_at = ?
	WHERE id = ?
	`
	_, err = s.db.Exec(query,
		nullString(g.ReservationID), nullString(g.UserID),
		g.StartsAt.UnixMilli(), g.EndsAt.UnixMilli(), nullTime(g.InstallAt), nullTime(g.RemoveAt),
		string(g.State), nullString(g.AccessCode), g.InstallationFailures, g.RemovalFailures,
		data, nullTime(g.RemovedAt), g.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

func scanGrant(row interface{ Scan(...any) error }) (*models.Grant, error) {
	g := &models.Grant{}
	var reservation, user, code, data sql.NullString
	var state string
	var startsAt, endsAt, createdAt int64
	var installAt, removeAt, removedAt sql.NullInt64
	err := row.Scan(&g.ID, &g.BindingID, &reservation, &user, &startsAt, &endsAt, &installAt, &removeAt,
		&state, &code, &g.InstallationFailures, &g.RemovalFailures, &data, &createdAt, &removedAt)
	if err != nil {
		return nil, err
	}
	g.ReservationID = reservation.String
	g.UserID = user.String
	g.StartsAt = milliToTime(startsAt)
	g.EndsAt = milliToTime(endsAt)
	g.InstallAt = timePtr(installAt)
	g.RemoveAt = timePtr(removeAt)
	g.State = models.GrantState(state)
	g.AccessCode = code.String
	if g.DriverData, err = unmarshalJSON(data); err != nil {
		return nil, err
	}
	g.CreatedAt = milliToTime(createdAt)
	g.RemovedAt = timePtr(removedAt)
	return g, nil
}

// GetGrant retrieves a grant by ID. Returns nil if not found.
func (s *Store) GetGrant(id string) (*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+grantColumns+` FROM ac_grant WHERE id = ?`, id)
	g, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// TransitionGrant moves a grant from one of the given states to the target
// state. Returns false when the grant is no longer in any of the expected
// states, which means another worker won the race. Conflicting writers are
// serialized by the store; the compare-and-set inside a single statement
// stands in for a row-level lock plus re-read.
func (s *Store) TransitionGrant(id string, from []models.GrantState, to models.GrantState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(from))
	args := []any{string(to), id}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf(
		`UPDATE ac_grant SET state = ? WHERE id = ? AND state IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ActiveGrantsFor returns the active grants for a (binding, reservation)
// pair. The one-active-grant invariant means there is at most one.
func (s *Store) ActiveGrantsFor(bindingID, reservationID string) ([]*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+grantColumns+` FROM ac_grant
		WHERE binding_id = ? AND reservation_id = ?
		AND state IN ('requested', 'installing', 'installed', 'removing')
		ORDER BY created_at`,
		bindingID, reservationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active grants: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

// GrantsDueForInstall returns the system's requested grants whose install
// time has arrived.
func (s *Store) GrantsDueForInstall(systemID string, now time.Time) ([]*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+grantPrefixed+` FROM ac_grant g
		JOIN ac_resource r ON g.binding_id = r.id
		WHERE r.system_id = ? AND g.state = 'requested' AND g.install_at IS NOT NULL AND g.install_at <= ?
		ORDER BY g.install_at`,
		systemID, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants due for install: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

// GrantsDueForRemoval returns the system's installed or cancelled grants
// whose removal time has arrived.
func (s *Store) GrantsDueForRemoval(systemID string, now time.Time) ([]*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+grantPrefixed+` FROM ac_grant g
		JOIN ac_resource r ON g.binding_id = r.id
		WHERE r.system_id = ? AND g.state IN ('installed', 'cancelled') AND g.remove_at IS NOT NULL AND g.remove_at <= ?
		ORDER BY g.remove_at`,
		systemID, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants due for removal: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

var grantPrefixed = "g." + strings.Join(strings.Split(grantColumns, ", "), ", g.")

// ListGrants returns grants filtered by state, newest first. An empty state
// returns all grants.
func (s *Store) ListGrants(state models.GrantState, limit int) ([]*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = s.db.Query(
			`SELECT `+grantColumns+` FROM ac_grant ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT `+grantColumns+` FROM ac_grant WHERE state = ? ORDER BY created_at DESC LIMIT ?`,
			string(state), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

// CountActiveGrants returns the number of active grants on a binding.
func (s *Store) CountActiveGrants(bindingID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM ac_grant WHERE binding_id = ?
		AND state IN ('requested', 'installing', 'installed', 'removing')`,
		bindingID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active grants: %w", err)
	}
	return count, nil
}

// CountActiveGrantsForSystem returns the number of active grants across all
// bindings of a system.
func (s *Store) CountActiveGrantsForSystem(systemID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM ac_grant g
		JOIN ac_resource r ON g.binding_id = r.id
		WHERE r.system_id = ?
		AND g.state IN ('requested', 'installing', 'installed', 'removing')`,
		systemID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active grants for system: %w", err)
	}
	return count, nil
}

// ClearGrantReservation detaches grants from a deleted reservation. The rows
// become tombstones removed by the worker once inactive.
func (s *Store) ClearGrantReservation(reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE ac_grant SET reservation_id = NULL WHERE reservation_id = ?`,
		reservationID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear grant reservation: %w", err)
	}
	return nil
}

// DeleteOrphanGrants removes inactive grants whose reservation was deleted.
// Returns the number of grants removed.
func (s *Store) DeleteOrphanGrants() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	DELETE FROM ac_grant
	WHERE reservation_id IS NULL
	AND state IN ('cancelled', 'removed')`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan grants: %w", err)
	}
	return res.RowsAffected()
}

func collectGrants(rows *sql.Rows) ([]*models.Grant, error) {
	var grants []*models.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
