package agent

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/call"
	"consultlink-backend/internal/conversation"
	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/internal/stream"
	"consultlink-backend/pkg/logger"
)

// Router feeds relay frames to the client components. Call frames go to live
// sessions first and whatever they leave to the detector; chat frames update
// both the open message stream and the conversation list.
type Router struct {
	selfID   uuid.UUID
	deriver  *conversation.Deriver
	registry *call.Registry
	detector *call.Detector
	messages *stream.Synchronizer
}

// NewRouter creates a Router
func NewRouter(selfID uuid.UUID, deriver *conversation.Deriver, registry *call.Registry, detector *call.Detector, messages *stream.Synchronizer) *Router {
	return &Router{
		selfID:   selfID,
		deriver:  deriver,
		registry: registry,
		detector: detector,
		messages: messages,
	}
}

// HandleCallEvent routes one calls namespace frame
func (r *Router) HandleCallEvent(env *protocol.Envelope) {
	if r.registry.Dispatch(env) {
		return
	}
	r.detector.HandleEvent(env)
}

// HandleChatEvent routes one chat namespace frame
func (r *Router) HandleChatEvent(env *protocol.Envelope) {
	r.messages.HandleEvent(env)
	if env.Event != protocol.EventNewMessage && env.Event != protocol.EventMessageSent {
		return
	}
	var msg domain.Message
	if err := env.Decode(&msg); err != nil {
		return
	}
	r.deriver.ApplyMessage(&msg)
	if msg.SenderID != r.selfID {
		logger.Info("Message received",
			zap.String("from_user_id", msg.SenderID.String()),
			zap.String("preview", msg.Preview()))
	}
}

// Reload replaces the appointment list and releases offers queued while it
// was missing
func (r *Router) Reload(list []*domain.Appointment) {
	r.deriver.SetAppointments(list)
	r.detector.ConversationsLoaded()
}
