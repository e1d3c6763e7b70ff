package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ac_system (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		driver_kind TEXT NOT NULL,
		reservation_leeway_minutes INTEGER NOT NULL DEFAULT 0,
		driver_config TEXT,
		driver_data TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ac_resource (
		id TEXT PRIMARY KEY,
		system_id TEXT NOT NULL REFERENCES ac_system(id) ON DELETE CASCADE,
		local_resource_id TEXT,
		driver_config TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (system_id, local_resource_id)
	);

	CREATE INDEX IF NOT EXISTS idx_resource_local ON ac_resource(local_resource_id);

	CREATE TABLE IF NOT EXISTS ac_user (
		id TEXT PRIMARY KEY,
		system_id TEXT NOT NULL REFERENCES ac_system(id) ON DELETE CASCADE,
		local_user_id TEXT,
		state TEXT NOT NULL DEFAULT 'installed',
		first_name TEXT,
		last_name TEXT,
		identifier TEXT,
		driver_data TEXT,
		created_at INTEGER NOT NULL,
		removed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_user_system_state ON ac_user(system_id, state);

	CREATE TABLE IF NOT EXISTS ac_grant (
		id TEXT PRIMARY KEY,
		binding_id TEXT NOT NULL REFERENCES ac_resource(id) ON DELETE CASCADE,
		reservation_id TEXT,
		user_id TEXT REFERENCES ac_user(id) ON DELETE SET NULL,
		starts_at INTEGER NOT NULL,
		ends_at INTEGER NOT NULL,
		install_at INTEGER,
		remove_at INTEGER,
		state TEXT NOT NULL DEFAULT 'requested',
		access_code TEXT,
		installation_failures INTEGER NOT NULL DEFAULT 0,
		removal_failures INTEGER NOT NULL DEFAULT 0,
		driver_data TEXT,
		created_at INTEGER NOT NULL,
		removed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_grant_binding_state ON ac_grant(binding_id, state);
	CREATE INDEX IF NOT EXISTS idx_grant_install_due ON ac_grant(state, install_at);
	CREATE INDEX IF NOT EXISTS idx_grant_remove_due ON ac_grant(state, remove_at);
	CREATE INDEX IF NOT EXISTS idx_grant_reservation ON ac_grant(reservation_id);

	CREATE TABLE IF NOT EXISTS ac_reservation (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		user_id TEXT,
		begin_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		access_code TEXT,
		user_first_name TEXT,
		user_last_name TEXT,
		user_email TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}
