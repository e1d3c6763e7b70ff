// Package store persists access-control systems, resource bindings,
// credential holders and grants in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/reservio/accessgate/internal/models"
)

// Store manages the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex

	// One mutex per system, held across read-modify-write cycles on the
	// system's driver data and across PIN allocation. Stands in for an
	// exclusive row lock on the system row.
	sysMu    sync.Mutex
	sysLocks map[string]*sync.Mutex
}

// New opens (or creates) the SQLite database and runs migrations.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   logger.With().Str("component", "store").Logger(),
		sysLocks: make(map[string]*sync.Mutex),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection (for testing).
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithSystemLock runs fn while holding the exclusive lock of the given
// system. Driver-data mutations and PIN allocation must go through here so
// that two workers never interleave a read-modify-write.
func (s *Store) WithSystemLock(systemID string, fn func() error) error {
	s.sysMu.Lock()
	lock, ok := s.sysLocks[systemID]
	if !ok {
		lock = &sync.Mutex{}
		s.sysLocks[systemID] = lock
	}
	s.sysMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// marshalJSON encodes an opaque blob for storage. Nil maps become NULL.
func marshalJSON(m models.JSONMap) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode driver blob: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString) (models.JSONMap, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m models.JSONMap
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode driver blob: %w", err)
	}
	return m, nil
}

func milliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := milliToTime(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
