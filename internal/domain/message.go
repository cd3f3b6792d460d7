package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the payload type of a chat message
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
	MessageVideo MessageKind = "video"
)

// Valid reports whether k is a known kind
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile, MessageVideo:
		return true
	}
	return false
}

const previewLength = 80

// Message represents a consultation chat message
// Maps to Cassandra messages_by_appointment / messages_by_pair tables.
// JSON keys are camelCase like every other websocket frame payload.
type Message struct {
	ID              uuid.UUID   `json:"id" cql:"message_id"`
	ClientMessageID uuid.UUID   `json:"clientMessageId,omitempty" cql:"client_message_id"` // idempotency key chosen by the sender
	SenderID        uuid.UUID   `json:"senderId" cql:"sender_id"`
	ReceiverID      uuid.UUID   `json:"receiverId" cql:"receiver_id"`
	AppointmentID   *uuid.UUID  `json:"appointmentId,omitempty" cql:"appointment_id"`
	Content         string      `json:"content,omitempty" cql:"content"`
	Kind            MessageKind `json:"kind" cql:"kind"`
	AttachmentRef   string      `json:"attachmentRef,omitempty" cql:"attachment_ref"`
	IsRead          bool        `json:"isRead" cql:"is_read"`
	CreatedAt       time.Time   `json:"createdAt" cql:"created_at"`

	// Pending marks a provisional entry that the server has not confirmed yet
	Pending bool `json:"-"`
}

// BelongsTo reports whether the message is part of the conversation ref
func (m *Message) BelongsTo(ref ConversationRef, selfID uuid.UUID) bool {
	if m.AppointmentID != nil {
		return *m.AppointmentID == ref.AppointmentID
	}
	return (m.SenderID == ref.CounterpartID && m.ReceiverID == selfID) ||
		(m.SenderID == selfID && m.ReceiverID == ref.CounterpartID)
}

// Preview returns the text shown in a conversation list row
func (m *Message) Preview() string {
	switch m.Kind {
	case MessageImage:
		return "[image]"
	case MessageFile:
		return "[file]"
	case MessageVideo:
		return "[video]"
	}
	r := []rune(m.Content)
	if len(r) > previewLength {
		return string(r[:previewLength]) + "…"
	}
	return m.Content
}

// MessageCreate represents data needed to send a message
type MessageCreate struct {
	ClientMessageID uuid.UUID   `json:"clientMessageId"`
	ReceiverID      uuid.UUID   `json:"receiverId" binding:"required"`
	AppointmentID   *uuid.UUID  `json:"appointmentId,omitempty"`
	Content         string      `json:"content,omitempty"`
	Kind            MessageKind `json:"kind" binding:"required,oneof=text image file video"`
	AttachmentRef   string      `json:"attachmentRef,omitempty"`
}

// AttachmentPrefix is the object key prefix for files userID uploads to an appointment
func AttachmentPrefix(appointmentID, userID uuid.UUID) string {
	return "attachments/" + appointmentID.String() + "/" + userID.String() + "/"
}

// AttachmentAppointment extracts the appointment id from an attachment ref
func AttachmentAppointment(ref string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(ref, "attachments/")
	if !ok {
		return uuid.Nil, false
	}
	head, _, ok := strings.Cut(rest, "/")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(head)
	return id, err == nil
}
