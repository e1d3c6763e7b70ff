package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/reservio/accessgate/internal/models"
)

// UpsertReservation stores a snapshot of the reservation read model. Grants
// scheduled for later installation read the snapshot instead of holding on to
// the event payload.
func (s *Store) UpsertReservation(r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO ac_reservation (id, resource_id, user_id, begin_at, end_at, access_code,
		user_first_name, user_last_name, user_email, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		resource_id = excluded.resource_id,
		user_id = excluded.user_id,
		begin_at = excluded.begin_at,
		end_at = excluded.end_at,
		access_code = excluded.access_code,
		user_first_name = excluded.user_first_name,
		user_last_name = excluded.user_last_name,
		user_email = excluded.user_email,
		updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query,
		r.ID, r.ResourceID, nullString(r.UserID),
		r.Begin.UnixMilli(), r.End.UnixMilli(), nullString(r.AccessCode),
		nullString(r.User.FirstName), nullString(r.User.LastName), nullString(r.User.Email),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reservation: %w", err)
	}
	return nil
}

// GetReservation retrieves a reservation snapshot. Returns nil if not found.
func (s *Store) GetReservation(id string) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &models.Reservation{}
	var userID, code, first, last, email sql.NullString
	var begin, end, updated int64
	err := s.db.QueryRow(
		`SELECT id, resource_id, user_id, begin_at, end_at, access_code,
			user_first_name, user_last_name, user_email, updated_at
		FROM ac_reservation WHERE id = ?`, id,
	).Scan(&r.ID, &r.ResourceID, &userID, &begin, &end, &code, &first, &last, &email, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	r.UserID = userID.String
	r.Begin = milliToTime(begin)
	r.End = milliToTime(end)
	r.AccessCode = code.String
	r.User = models.LocalUser{ID: r.UserID, FirstName: first.String, LastName: last.String, Email: email.String}
	return r, nil
}

// SetReservationAccessCode records the provisioned code on the snapshot.
func (s *Store) SetReservationAccessCode(id, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE ac_reservation SET access_code = ? WHERE id = ?`, nullString(code), id)
	if err != nil {
		return fmt.Errorf("failed to set reservation access code: %w", err)
	}
	return nil
}

// DeleteReservation removes a reservation snapshot.
func (s *Store) DeleteReservation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM ac_reservation WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}
