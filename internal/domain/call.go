package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind is the media variant of a call. Both kinds share one state machine.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Valid reports whether k is a known kind
func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// WantsVideo reports whether the kind captures a camera
func (k CallKind) WantsVideo() bool {
	return k == CallVideo
}

// CallRoom is the transient room record kept by the relay
type CallRoom struct {
	RoomID        string      `json:"room_id"`
	AppointmentID uuid.UUID   `json:"appointment_id"`
	CallSessionID uuid.UUID   `json:"call_session_id"`
	Members       []uuid.UUID `json:"members"`
	CreatedAt     time.Time   `json:"created_at"`
}

// RoomIDFor returns the default room for an appointment
func RoomIDFor(appointmentID uuid.UUID) string {
	return "appt:" + appointmentID.String()
}
