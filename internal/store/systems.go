package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reservio/accessgate/internal/models"
)

// SaveSystem inserts or updates a system. New systems get a generated ID.
func (s *Store) SaveSystem(sys *models.System) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sys.ID == "" {
		sys.ID = uuid.NewString()
	}
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = time.Now().UTC()
	}

	cfg, err := marshalJSON(sys.DriverConfig)
	if err != nil {
		return err
	}
	data, err := marshalJSON(sys.DriverData)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO ac_system (id, name, driver_kind, reservation_leeway_minutes, driver_config, driver_data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		driver_kind = excluded.driver_kind,
		reservation_leeway_minutes = excluded.reservation_leeway_minutes,
		driver_config = excluded.driver_config,
		driver_data = excluded.driver_data
	`
	_, err = s.db.Exec(query,
		sys.ID, sys.Name, sys.DriverKind, sys.ReservationLeewayMinutes,
		cfg, data, sys.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save system: %w", err)
	}
	return nil
}

func scanSystem(row interface{ Scan(...any) error }) (*models.System, error) {
	sys := &models.System{}
	var cfg, data sql.NullString
	var createdAt int64
	err := row.Scan(&sys.ID, &sys.Name, &sys.DriverKind, &sys.ReservationLeewayMinutes, &cfg, &data, &createdAt)
	if err != nil {
		return nil, err
	}
	if sys.DriverConfig, err = unmarshalJSON(cfg); err != nil {
		return nil, err
	}
	if sys.DriverData, err = unmarshalJSON(data); err != nil {
		return nil, err
	}
	sys.CreatedAt = milliToTime(createdAt)
	return sys, nil
}

const systemColumns = `id, name, driver_kind, reservation_leeway_minutes, driver_config, driver_data, created_at`

// GetSystem retrieves a system by ID. Returns nil if not found.
func (s *Store) GetSystem(id string) (*models.System, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+systemColumns+` FROM ac_system WHERE id = ?`, id)
	sys, err := scanSystem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system: %w", err)
	}
	return sys, nil
}

// GetSystemByName retrieves a system by its unique name. Returns nil if not found.
func (s *Store) GetSystemByName(name string) (*models.System, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+systemColumns+` FROM ac_system WHERE name = ?`, name)
	sys, err := scanSystem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system by name: %w", err)
	}
	return sys, nil
}

// ListSystems returns all systems ordered by name.
func (s *Store) ListSystems() ([]*models.System, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + systemColumns + ` FROM ac_system ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	defer rows.Close()

	var systems []*models.System
	for rows.Next() {
		sys, err := scanSystem(rows)
		if err != nil {
			return nil, err
		}
		systems = append(systems, sys)
	}
	return systems, rows.Err()
}

// GetDriverData returns a fresh copy of the system's opaque driver state.
func (s *Store) GetDriverData(systemID string) (models.JSONMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data sql.NullString
	err := s.db.QueryRow(`SELECT driver_data FROM ac_system WHERE id = ?`, systemID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("system %s not found", systemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read driver data: %w", err)
	}
	m, err := unmarshalJSON(data)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = models.JSONMap{}
	}
	return m, nil
}

// UpdateDriverData merges the given keys into the system's driver data under
// the system lock. A nil value removes the key.
func (s *Store) UpdateDriverData(systemID string, updates models.JSONMap) error {
	return s.WithSystemLock(systemID, func() error {
		data, err := s.GetDriverData(systemID)
		if err != nil {
			return err
		}
		for k, v := range updates {
			if v == nil {
				delete(data, k)
				continue
			}
			data[k] = v
		}
		return s.putDriverData(systemID, data)
	})
}

// ReplaceDriverData overwrites the system's driver data. The caller must hold
// the system lock.
func (s *Store) ReplaceDriverData(systemID string, data models.JSONMap) error {
	return s.putDriverData(systemID, data)
}

func (s *Store) putDriverData(systemID string, data models.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := marshalJSON(data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE ac_system SET driver_data = ? WHERE id = ?`, blob, systemID)
	if err != nil {
		return fmt.Errorf("failed to update driver data: %w", err)
	}
	return nil
}

// DeleteSystem removes a system. Fails while resource bindings still
// reference it.
func (s *Store) DeleteSystem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ac_resource WHERE system_id = ?`, id).Scan(&refs); err != nil {
		return fmt.Errorf("failed to count bindings: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("system %s still has %d resource bindings", id, refs)
	}
	if _, err := s.db.Exec(`DELETE FROM ac_system WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete system: %w", err)
	}
	return nil
}
