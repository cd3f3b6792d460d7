package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role of an authenticated participant
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// AppointmentStatus is the booking lifecycle state owned by the scheduling service
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// AppointmentKind decides which channels a consultation may use
type AppointmentKind string

const (
	AppointmentText  AppointmentKind = "text"
	AppointmentVideo AppointmentKind = "video"
)

// ParticipantRef is the user behind a patient or doctor profile.
// UserID may be nil when the profile is not linked to an account yet.
type ParticipantRef struct {
	ProfileID uuid.UUID  `json:"profile_id" db:"profile_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	Name      string     `json:"name,omitempty" db:"name"`
}

// Appointment is the read model consumed from the scheduling service
// Maps to the appointments table joined with patient/doctor profiles
type Appointment struct {
	AppointmentID uuid.UUID         `json:"appointment_id" db:"appointment_id"`
	Patient       ParticipantRef    `json:"patient" db:"patient"`
	Doctor        ParticipantRef    `json:"doctor" db:"doctor"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty" db:"scheduled_at"`
	Status        AppointmentStatus `json:"status" db:"status"`
	Kind          AppointmentKind   `json:"kind" db:"kind"`
}

// HasParticipant reports whether userID is the patient or the doctor account
func (a *Appointment) HasParticipant(userID uuid.UUID) bool {
	if a.Patient.UserID != nil && *a.Patient.UserID == userID {
		return true
	}
	return a.Doctor.UserID != nil && *a.Doctor.UserID == userID
}

// CounterpartOf returns the other participant's account id, if linked
func (a *Appointment) CounterpartOf(userID uuid.UUID) (uuid.UUID, bool) {
	switch {
	case a.Patient.UserID != nil && *a.Patient.UserID == userID:
		if a.Doctor.UserID != nil {
			return *a.Doctor.UserID, true
		}
	case a.Doctor.UserID != nil && *a.Doctor.UserID == userID:
		if a.Patient.UserID != nil {
			return *a.Patient.UserID, true
		}
	}
	return uuid.Nil, false
}
