package ws

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/internal/service/chat"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
)

// ChatService stores messages and authorizes appointment access
type ChatService interface {
	SendMessage(ctx context.Context, senderID uuid.UUID, input *domain.MessageCreate) (*chat.SendMessageOutput, error)
	CheckParticipant(ctx context.Context, appointmentID, userID uuid.UUID) error
}

// OnlineChecker reports whether a user has the app open on any instance
type OnlineChecker interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// MessageNotifier reaches receivers that have no live connection
type MessageNotifier interface {
	NotifyNewMessage(ctx context.Context, receiverID, senderID uuid.UUID, appointmentID *uuid.UUID, preview string) error
}

// ChatHub delivers chat messages to both participants' connections
type ChatHub struct {
	*relay
	chat     ChatService
	online   OnlineChecker
	notifier MessageNotifier
}

// NewChatHub creates the chat hub. bus may be nil for a single instance;
// notifier may be nil to disable push.
func NewChatHub(cfg SignalingConfig, bus Bus, chatService ChatService, online OnlineChecker, notifier MessageNotifier, m *metrics.Metrics) *ChatHub {
	return &ChatHub{
		relay:    newRelay(protocol.NamespaceChat, bus, cfg.MaxConnections, cfg.AllowedOrigins, m),
		chat:     chatService,
		online:   online,
		notifier: notifier,
	}
}

// ServeWS handles the chat websocket endpoint. The connection is registered
// under the authenticated user right away.
func (h *ChatHub) ServeWS(c *gin.Context) {
	client, release, ok := h.accept(c)
	if !ok {
		return
	}
	defer release()

	h.conns.Add(client.userID, client)
	defer h.conns.Remove(client.userID, client)

	logger.Info("Chat connection opened", zap.String("user_id", client.userID.String()))
	defer logger.Info("Chat connection closed", zap.String("user_id", client.userID.String()))

	go client.writePump()
	client.readPump(func(env *protocol.Envelope) { h.handle(client, env) }, nil)
}

func (h *ChatHub) handle(client *Client, env *protocol.Envelope) {
	h.metrics.RecordWebSocketEvent(h.namespace, env.Event)
	ctx, cancel := opContext()
	defer cancel()

	var err error
	switch env.Event {
	case protocol.EventJoinAppointment:
		err = h.handleJoinAppointment(ctx, client, env)
	case protocol.EventSendMessage:
		err = h.handleSendMessage(ctx, client, env)
	default:
		err = apperrors.InvalidInputError("unknown event " + env.Event)
	}

	if err != nil {
		logger.Debug("Chat event rejected",
			zap.String("event", env.Event),
			zap.String("user_id", client.userID.String()),
			zap.Error(err))
		client.emitError(errorMessage(err))
	}
}

func (h *ChatHub) handleJoinAppointment(ctx context.Context, client *Client, env *protocol.Envelope) error {
	var p protocol.JoinAppointment
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.AppointmentID == uuid.Nil {
		return apperrors.MissingFieldError("appointmentId")
	}
	if err := h.chat.CheckParticipant(ctx, p.AppointmentID, client.userID); err != nil {
		return err
	}
	client.Emit(protocol.EventAppointmentJoined, protocol.AppointmentJoined{AppointmentID: p.AppointmentID})
	return nil
}

func (h *ChatHub) handleSendMessage(ctx context.Context, client *Client, env *protocol.Envelope) error {
	var p protocol.SendMessage
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}

	out, err := h.chat.SendMessage(ctx, client.userID, &p)
	if err != nil {
		return err
	}
	msg := out.Message

	// every device of the sender reconciles its pending entry
	h.emit(ctx, client.userID, protocol.EventMessageSent, msg)
	if out.Duplicate {
		return nil
	}

	if h.emit(ctx, msg.ReceiverID, protocol.EventNewMessage, msg) || h.isOnline(ctx, msg.ReceiverID) {
		return nil
	}
	if h.notifier != nil {
		err := h.notifier.NotifyNewMessage(ctx, msg.ReceiverID, msg.SenderID, msg.AppointmentID, msg.Preview())
		h.metrics.RecordPushNotification("new_message", err)
		if err != nil {
			logger.Warn("Push notification failed", zap.String("category", "new_message"), zap.Error(err))
		}
	}
	return nil
}

func (h *ChatHub) isOnline(ctx context.Context, userID uuid.UUID) bool {
	if h.online == nil {
		return false
	}
	online, err := h.online.IsUserOnline(ctx, userID)
	if err != nil {
		logger.Debug("Presence unavailable", zap.String("user_id", userID.String()), zap.Error(err))
		return false
	}
	return online
}
