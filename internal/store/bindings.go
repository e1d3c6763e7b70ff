package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reservio/accessgate/internal/models"
)

const bindingColumns = `id, system_id, local_resource_id, driver_config, created_at`

// SaveBinding inserts or updates a resource binding.
func (s *Store) SaveBinding(b *models.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	cfg, err := marshalJSON(b.DriverConfig)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO ac_resource (id, system_id, local_resource_id, driver_config, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		system_id = excluded.system_id,
		local_resource_id = excluded.local_resource_id,
		driver_config = excluded.driver_config
	`
	_, err = s.db.Exec(query,
		b.ID, b.SystemID, nullString(b.LocalResourceID), cfg, b.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

func scanBinding(row interface{ Scan(...any) error }) (*models.Binding, error) {
	b := &models.Binding{}
	var local, cfg sql.NullString
	var createdAt int64
	err := row.Scan(&b.ID, &b.SystemID, &local, &cfg, &createdAt)
	if err != nil {
		return nil, err
	}
	b.LocalResourceID = local.String
	if b.DriverConfig, err = unmarshalJSON(cfg); err != nil {
		return nil, err
	}
	b.CreatedAt = milliToTime(createdAt)
	return b, nil
}

// GetBinding retrieves a binding by ID. Returns nil if not found.
func (s *Store) GetBinding(id string) (*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+bindingColumns+` FROM ac_resource WHERE id = ?`, id)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return b, nil
}

// BindingsForLocalResource returns the bindings attached to a local resource,
// oldest first.
func (s *Store) BindingsForLocalResource(localResourceID string) ([]*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+bindingColumns+` FROM ac_resource WHERE local_resource_id = ? ORDER BY created_at`,
		localResourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*models.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// ListBindings returns all bindings for a system.
func (s *Store) ListBindings(systemID string) ([]*models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+bindingColumns+` FROM ac_resource WHERE system_id = ? ORDER BY created_at`,
		systemID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*models.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// MarkLocalResourceDeleted clears the local resource reference from its
// bindings, leaving tombstones for the worker to clean up.
func (s *Store) MarkLocalResourceDeleted(localResourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE ac_resource SET local_resource_id = NULL WHERE local_resource_id = ?`,
		localResourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark local resource deleted: %w", err)
	}
	return nil
}

// DeleteOrphanBindings removes tombstone bindings that no longer carry any
// active grant. Returns the number of bindings removed.
func (s *Store) DeleteOrphanBindings() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	DELETE FROM ac_resource
	WHERE local_resource_id IS NULL
	AND NOT EXISTS (
		SELECT 1 FROM ac_grant
		WHERE ac_grant.binding_id = ac_resource.id
		AND ac_grant.state IN ('requested', 'installing', 'installed', 'removing')
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan bindings: %w", err)
	}
	return res.RowsAffected()
}
