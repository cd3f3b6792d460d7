// Package protocol defines the websocket event contract shared by the relay
// and its clients. Every frame is an Envelope whose Data depends on Event.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"consultlink-backend/internal/domain"
)

// Namespaces served on separate websocket endpoints
const (
	NamespaceCalls = "calls"
	NamespaceChat  = "chat"
)

// Presence events
const (
	EventJoinUser = "join-user"
	EventJoined   = "joined"
)

// Call room events
const (
	EventJoinCall       = "join-call"
	EventCallJoined     = "call-joined"
	EventUserJoinedCall = "user-joined-call"
	EventLeaveCall      = "leave-call"
)

// Negotiation relay events
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Call lifecycle events
const (
	EventEndCall       = "end-call"
	EventCallEnded     = "call-ended"
	EventCancelCall    = "cancel-call"
	EventCallCancelled = "call-cancelled"
	EventCallDeclined  = "call-declined"
	EventError         = "error"
)

// Chat events
const (
	EventJoinAppointment   = "join-appointment"
	EventAppointmentJoined = "appointment-joined"
	EventSendMessage       = "send-message"
	EventMessageSent       = "message-sent"
	EventNewMessage        = "new-message"
)

// Envelope is one websocket frame
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload under event
func NewEnvelope(event string, payload any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Encode marshals event+payload into a wire frame
func Encode(event string, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the envelope data into v
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Event, err)
	}
	return nil
}

// JoinUser registers a connection under a user id
type JoinUser struct {
	UserID uuid.UUID `json:"userId"`
}

// Joined acknowledges JoinUser
type Joined struct {
	UserID uuid.UUID   `json:"userId"`
	Role   domain.Role `json:"role"`
}

// JoinCall asks the relay to join the call room of an appointment
type JoinCall struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	RoomID        string    `json:"roomId,omitempty"`
}

// RoomRef names a call room in end-call and leave-call
type RoomRef struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	RoomID        string    `json:"roomId,omitempty"`
}

// CallJoined confirms room membership
type CallJoined struct {
	RoomID        string    `json:"roomId"`
	AppointmentID uuid.UUID `json:"appointmentId"`
	CallSessionID uuid.UUID `json:"callSessionId"`
}

// UserJoinedCall is broadcast to existing room members
type UserJoinedCall struct {
	UserID uuid.UUID `json:"userId"`
	RoomID string    `json:"roomId,omitempty"`
}

// Offer carries an SDP offer. FromUserID and AppointmentID are set by the relay
// on delivery; AppointmentID may also be supplied by the caller.
type Offer struct {
	TargetUserID  uuid.UUID                 `json:"targetUserId,omitempty"`
	FromUserID    uuid.UUID                 `json:"fromUserId,omitempty"`
	AppointmentID *uuid.UUID                `json:"appointmentId,omitempty"`
	Offer         webrtc.SessionDescription `json:"offer"`
	CallKind      domain.CallKind           `json:"callKind"`
}

// Answer carries an SDP answer
type Answer struct {
	TargetUserID uuid.UUID                 `json:"targetUserId,omitempty"`
	FromUserID   uuid.UUID                 `json:"fromUserId,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
}

// ICECandidate carries one trickled candidate
type ICECandidate struct {
	TargetUserID uuid.UUID               `json:"targetUserId,omitempty"`
	FromUserID   uuid.UUID               `json:"fromUserId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// CancelCall retracts a ringing call before pickup
type CancelCall struct {
	TargetUserID  uuid.UUID `json:"targetUserId,omitempty"`
	FromUserID    uuid.UUID `json:"fromUserId,omitempty"`
	AppointmentID uuid.UUID `json:"appointmentId"`
}

// CallDeclined tells the caller the callee refused
type CallDeclined struct {
	TargetUserID uuid.UUID `json:"targetUserId,omitempty"`
	FromUserID   uuid.UUID `json:"fromUserId,omitempty"`
}

// CallEnded is broadcast to the room when a member hangs up after connecting
type CallEnded struct {
	FromUserID uuid.UUID `json:"fromUserId"`
	RoomID     string    `json:"roomId"`
}

// Error reports a relay-side failure for the last frame
type Error struct {
	Message string `json:"message"`
}

// JoinAppointment subscribes to an appointment chat room
type JoinAppointment struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
}

// AppointmentJoined confirms the chat room subscription
type AppointmentJoined struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
}

// SendMessage is the chat send request
type SendMessage = domain.MessageCreate
