package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reservio/accessgate/internal/models"
)

const userColumns = `id, system_id, local_user_id, state, first_name, last_name, identifier, driver_data, created_at, removed_at`

// CreateUser inserts a new credential holder in state installed.
func (s *Store) CreateUser(u *models.AccessUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.State == "" {
		u.State = models.UserInstalled
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	data, err := marshalJSON(u.DriverData)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO ac_user (id, system_id, local_user_id, state, first_name, last_name, identifier, driver_data, created_at, removed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		u.ID, u.SystemID, nullString(u.LocalUserID), string(u.State),
		nullString(u.FirstName), nullString(u.LastName), nullString(u.Identifier),
		data, u.CreatedAt.UnixMilli(), nullTime(u.RemovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func scanUser(row interface{ Scan(...any) error }) (*models.AccessUser, error) {
	u := &models.AccessUser{}
	var local, first, last, ident, data sql.NullString
	var state string
	var createdAt int64
	var removedAt sql.NullInt64
	err := row.Scan(&u.ID, &u.SystemID, &local, &state, &first, &last, &ident, &data, &createdAt, &removedAt)
	if err != nil {
		return nil, err
	}
	u.LocalUserID = local.String
	u.State = models.UserState(state)
	u.FirstName = first.String
	u.LastName = last.String
	u.Identifier = ident.String
	if u.DriverData, err = unmarshalJSON(data); err != nil {
		return nil, err
	}
	u.CreatedAt = milliToTime(createdAt)
	u.RemovedAt = timePtr(removedAt)
	return u, nil
}

// GetUser retrieves a user by ID. Returns nil if not found.
func (s *Store) GetUser(id string) (*models.AccessUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+userColumns+` FROM ac_user WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ActiveIdentifierExists reports whether an installed user of the system
// already holds the given identifier.
func (s *Store) ActiveIdentifierExists(systemID, identifier string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM ac_user WHERE system_id = ? AND state = ? AND identifier = ?`,
		systemID, string(models.UserInstalled), identifier,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check identifier: %w", err)
	}
	return count > 0, nil
}

// UpdateUserDriverData replaces the user's opaque driver state.
func (s *Store) UpdateUserDriverData(id string, data models.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := marshalJSON(data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE ac_user SET driver_data = ? WHERE id = ?`, blob, id)
	if err != nil {
		return fmt.Errorf("failed to update user driver data: %w", err)
	}
	return nil
}

// MarkUserRemoved transitions a user to removed and records the removal time.
func (s *Store) MarkUserRemoved(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE ac_user SET state = ?, removed_at = ? WHERE id = ?`,
		string(models.UserRemoved), at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark user removed: %w", err)
	}
	return nil
}

// DeleteUser removes a user row. Used when installation fails before the
// remote system consumed the credential.
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM ac_user WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// CountUsers returns the number of user rows for a system in the given state.
func (s *Store) CountUsers(systemID string, state models.UserState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM ac_user WHERE system_id = ? AND state = ?`,
		systemID, string(state),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}
