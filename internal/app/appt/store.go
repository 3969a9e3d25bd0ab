package appt

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the referenced appointment does not exist.
var ErrNotFound = errors.New("appointment not found")

// Appointment is the slice of the appointment record the session layer needs.
type Appointment struct {
	ID          string
	TherapistID string
	PatientID   string
	FallbackURL string
}

// Role returns the participant role userID holds on this appointment, or
// empty when the user is not a party to it.
func (a Appointment) Role(userID string) string {
	switch userID {
	case a.TherapistID:
		return "therapist"
	case a.PatientID:
		return "patient"
	default:
		return ""
	}
}

// Store reads appointment records from PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store over the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetAppointment fetches one appointment by id.
func (s *Store) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	const query = `
		SELECT id, therapist_id, patient_id, fallback_url
		FROM appointments
		WHERE id = $1`

	var appt Appointment
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&appt.ID,
		&appt.TherapistID,
		&appt.PatientID,
		&appt.FallbackURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, fmt.Errorf("failed to fetch appointment %s: %w", id, err)
	}

	return appt, nil
}
