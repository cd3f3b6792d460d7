package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"consultlink-backend/internal/domain"
)

// AppointmentRepository reads the appointments owned by the scheduling service
//
// Tables: appointments(appointment_id, patient_id, doctor_id, scheduled_at, status, kind),
// patient_profiles(profile_id, user_id, full_name), doctor_profiles(profile_id, user_id, full_name)
type AppointmentRepository struct {
	pool *pgxpool.Pool
}

// NewAppointmentRepository creates a new appointment repository
func NewAppointmentRepository(pool *pgxpool.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

const appointmentSelect = `
	SELECT a.appointment_id, a.scheduled_at, a.status, a.kind,
	       p.profile_id, p.user_id, COALESCE(p.full_name, ''),
	       d.profile_id, d.user_id, COALESCE(d.full_name, '')
	FROM appointments a
	JOIN patient_profiles p ON p.profile_id = a.patient_id
	JOIN doctor_profiles d ON d.profile_id = a.doctor_id
`

func scanAppointment(row pgx.Row) (*domain.Appointment, error) {
	appt := &domain.Appointment{}
	err := row.Scan(
		&appt.AppointmentID,
		&appt.ScheduledAt,
		&appt.Status,
		&appt.Kind,
		&appt.Patient.ProfileID,
		&appt.Patient.UserID,
		&appt.Patient.Name,
		&appt.Doctor.ProfileID,
		&appt.Doctor.UserID,
		&appt.Doctor.Name,
	)
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// GetByID retrieves an appointment; nil when it does not exist
func (r *AppointmentRepository) GetByID(ctx context.Context, appointmentID uuid.UUID) (*domain.Appointment, error) {
	query := appointmentSelect + `WHERE a.appointment_id = $1`

	appt, err := scanAppointment(r.pool.QueryRow(ctx, query, appointmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	return appt, nil
}

// ListForUser returns every appointment where userID is the patient or the doctor
func (r *AppointmentRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Appointment, error) {
	query := appointmentSelect + `
		WHERE p.user_id = $1 OR d.user_id = $1
		ORDER BY a.scheduled_at DESC NULLS LAST
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()

	var appointments []*domain.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		appointments = append(appointments, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointments: %w", err)
	}
	return appointments, nil
}
