package domain

import (
	"time"

	"github.com/google/uuid"
)

// TemporalStatus classifies a conversation against the consultation window
type TemporalStatus string

const (
	StatusActive   TemporalStatus = "active"
	StatusUpcoming TemporalStatus = "upcoming"
	StatusPast     TemporalStatus = "past"
)

// Rank is the list position of a status: active first, past last
func (s TemporalStatus) Rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusUpcoming:
		return 1
	default:
		return 2
	}
}

// Conversation is derived from one appointment; it is never persisted
type Conversation struct {
	ID                 uuid.UUID       `json:"id"` // equals the appointment id
	CounterpartID      uuid.UUID       `json:"counterpart_id"`
	DisplayName        string          `json:"display_name"`
	LastMessagePreview string          `json:"last_message_preview,omitempty"`
	LastMessageTime    time.Time       `json:"last_message_time,omitempty"`
	TemporalStatus     TemporalStatus  `json:"temporal_status"`
	AppointmentKind    AppointmentKind `json:"appointment_kind"`
	ScheduledAt        time.Time       `json:"scheduled_at"`
	UnreadCount        int             `json:"unread_count"`
}

// CanStartCall reports whether audio/video calling is allowed right now
func (c *Conversation) CanStartCall() bool {
	return c.AppointmentKind == AppointmentVideo && c.TemporalStatus == StatusActive
}

// Ref returns the lookup handle other components resolve against
func (c *Conversation) Ref() ConversationRef {
	return ConversationRef{
		AppointmentID: c.ID,
		CounterpartID: c.CounterpartID,
		DisplayName:   c.DisplayName,
		CanCall:       c.CanStartCall(),
	}
}

// ConversationRef is the read-only view handed to the detector and the synchronizer
type ConversationRef struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	CounterpartID uuid.UUID `json:"counterpart_id"`
	DisplayName   string    `json:"display_name"`
	CanCall       bool      `json:"can_call"`
}
