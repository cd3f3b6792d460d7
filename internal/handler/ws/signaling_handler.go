package ws

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/internal/service/room"
	"consultlink-backend/pkg/constants"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
	"consultlink-backend/pkg/push"
)

// RoomService manages call room membership
type RoomService interface {
	Join(ctx context.Context, appointmentID uuid.UUID, roomID string, userID uuid.UUID) (*room.JoinResult, error)
	Leave(ctx context.Context, roomID string, userID uuid.UUID) ([]uuid.UUID, error)
}

// AppointmentReader returns nil when the appointment does not exist
type AppointmentReader interface {
	GetByID(ctx context.Context, appointmentID uuid.UUID) (*domain.Appointment, error)
}

// Presence tracks which users hold a live calls connection on any instance
type Presence interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// CallNotifier reaches callees that have no live connection
type CallNotifier interface {
	NotifyIncomingCall(ctx context.Context, calleeID uuid.UUID, data *push.CallNotificationData) error
	NotifyMissedCall(ctx context.Context, calleeID uuid.UUID, data *push.CallNotificationData) error
}

// SignalingConfig configures the calls hub
type SignalingConfig struct {
	MaxConnections int
	AllowedOrigins []string
}

// SignalingHub relays call negotiation between participants
type SignalingHub struct {
	*relay
	rooms        RoomService
	appointments AppointmentReader
	presence     Presence
	notifier     CallNotifier
}

// callConn is the per-connection state, touched only by its read goroutine
type callConn struct {
	client  *Client
	joined  bool
	rooms   map[string]uuid.UUID    // room id -> appointment id
	ringing map[uuid.UUID]uuid.UUID // offer target -> appointment id
}

// NewSignalingHub creates the calls hub. bus may be nil for a single instance;
// notifier may be nil to disable push.
func NewSignalingHub(cfg SignalingConfig, bus Bus, rooms RoomService, appointments AppointmentReader, presence Presence, notifier CallNotifier, m *metrics.Metrics) *SignalingHub {
	return &SignalingHub{
		relay:        newRelay(protocol.NamespaceCalls, bus, cfg.MaxConnections, cfg.AllowedOrigins, m),
		rooms:        rooms,
		appointments: appointments,
		presence:     presence,
		notifier:     notifier,
	}
}

// ServeWS handles the calls websocket endpoint. It blocks for the lifetime of
// the connection.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	client, release, ok := h.accept(c)
	if !ok {
		return
	}
	defer release()

	logger.Info("Calls connection opened", zap.String("user_id", client.userID.String()))

	cc := &callConn{
		client:  client,
		rooms:   make(map[string]uuid.UUID),
		ringing: make(map[uuid.UUID]uuid.UUID),
	}
	defer h.disconnect(cc)

	go client.writePump()
	client.readPump(
		func(env *protocol.Envelope) { h.handle(cc, env) },
		func() {
			if !cc.joined {
				return
			}
			ctx, cancel := opContext()
			defer cancel()
			if err := h.presence.RefreshPresence(ctx, client.userID); err != nil {
				logger.Debug("Failed to refresh presence", zap.Error(err))
			}
		},
	)
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), constants.DefaultTimeout)
}

func (h *SignalingHub) handle(cc *callConn, env *protocol.Envelope) {
	h.metrics.RecordWebSocketEvent(h.namespace, env.Event)
	ctx, cancel := opContext()
	defer cancel()

	if env.Event != protocol.EventJoinUser && !cc.joined {
		cc.client.emitError("join-user required")
		return
	}

	var err error
	switch env.Event {
	case protocol.EventJoinUser:
		err = h.handleJoinUser(ctx, cc, env)
	case protocol.EventJoinCall:
		err = h.handleJoinCall(ctx, cc, env)
	case protocol.EventOffer:
		err = h.handleOffer(ctx, cc, env)
	case protocol.EventAnswer:
		err = h.handleAnswer(ctx, cc, env)
	case protocol.EventICECandidate:
		err = h.handleICECandidate(ctx, cc, env)
	case protocol.EventCallDeclined:
		err = h.handleDeclined(ctx, cc, env)
	case protocol.EventCancelCall:
		err = h.handleCancel(ctx, cc, env)
	case protocol.EventEndCall:
		err = h.handleLeave(ctx, cc, env, true)
	case protocol.EventLeaveCall:
		err = h.handleLeave(ctx, cc, env, false)
	default:
		err = apperrors.InvalidInputError("unknown event " + env.Event)
	}

	if err != nil {
		logger.Debug("Calls event rejected",
			zap.String("event", env.Event),
			zap.String("user_id", cc.client.userID.String()),
			zap.Error(err))
		cc.client.emitError(errorMessage(err))
	}
}

// errorMessage keeps internal causes off the wire
func errorMessage(err error) string {
	return apperrors.GetAppError(err).Message
}

func (h *SignalingHub) handleJoinUser(ctx context.Context, cc *callConn, env *protocol.Envelope) error {
	var p protocol.JoinUser
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.UserID != cc.client.userID {
		return apperrors.ForbiddenError("userId does not match the authenticated user")
	}

	if !cc.joined {
		h.conns.Add(cc.client.userID, cc.client)
		cc.joined = true
		if err := h.presence.SetUserOnline(ctx, cc.client.userID); err != nil {
			logger.Warn("Failed to set user online",
				zap.String("user_id", cc.client.userID.String()),
				zap.Error(err))
		}
	}

	cc.client.Emit(protocol.EventJoined, protocol.Joined{UserID: cc.client.userID, Role: cc.client.role})
	return nil
}

func (h *SignalingHub) handleJoinCall(ctx context.Context, cc *callConn, env *protocol.Envelope) error {
	var p protocol.JoinCall
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.AppointmentID == uuid.Nil {
		return apperrors.MissingFieldError("appointmentId")
	}

	res, err := h.rooms.Join(ctx, p.AppointmentID, p.RoomID, cc.client.userID)
	if err != nil {
		return err
	}
	cc.rooms[res.Room.RoomID] = p.AppointmentID

	cc.client.Emit(protocol.EventCallJoined, protocol.CallJoined{
		RoomID:        res.Room.RoomID,
		AppointmentID: p.AppointmentID,
		CallSessionID: res.Room.CallSessionID,
	})
	for _, other := range res.Others {
		h.emit(ctx, other, protocol.EventUserJoinedCall, protocol.UserJoinedCall{
			UserID: cc.client.userID,
			RoomID: res.Room.RoomID,
		})
	}
	return nil
}

// appointmentFor returns the appointment the sender is calling about: the
// one named in the frame or else the one of its only joined room
func (cc *callConn) appointmentFor(named *uuid.UUID) (uuid.UUID, string, bool) {
	if named != nil && *named != uuid.Nil {
		for roomID, apptID := range cc.rooms {
			if apptID == *named {
				return apptID, roomID, true
			}
		}
		return *named, "", true
	}
	if len(cc.rooms) == 1 {
		for roomID, apptID := range cc.rooms {
			return apptID, roomID, true
		}
	}
	return uuid.Nil, "", false
}

// checkCounterpart verifies sender and target are the two participants
func (h *SignalingHub) checkCounterpart(ctx context.Context, appointmentID, senderID, targetID uuid.UUID) (*domain.Appointment, error) {
	appt, err := h.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if appt == nil {
		return nil, apperrors.AppointmentNotFoundError()
	}
	counterpart, ok := appt.CounterpartOf(senderID)
	if !ok || counterpart != targetID {
		return nil, apperrors.NotParticipantError()
	}
	return appt, nil
}

func (h *SignalingHub) handleOffer(ctx context.Context, cc *callConn, env *protocol.Envelope) error {
	var p protocol.Offer
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.TargetUserID == uuid.Nil {
		return apperrors.MissingFieldError("targetUserId")
	}
	if !p.CallKind.Valid() {
		p.CallKind = domain.CallVideo
	}

	appointmentID, roomID, ok := cc.appointmentFor(p.AppointmentID)
	if !ok {
		return apperrors.MissingFieldError("appointmentId")
	}
	if _, err := h.checkCounterpart(ctx, appointmentID, cc.client.userID, p.TargetUserID); err != nil {
		return err
	}
	if roomID == "" {
		roomID = domain.RoomIDFor(appointmentID)
	}

	p.FromUserID = cc.client.userID
	p.AppointmentID = &appointmentID
	cc.ringing[p.TargetUserID] = appointmentID
	delivered := h.emit(ctx, p.TargetUserID, protocol.EventOffer, p)

	if !delivered && !h.isOnline(ctx, p.TargetUserID) {
		h.notify(ctx, "incoming_call", func(ctx context.Context) error {
			return h.notifier.NotifyIncomingCall(ctx, p.TargetUserID, &push.CallNotificationData{
				AppointmentID: appointmentID,
				CallerID:      cc.client.userID,
				CallerName:    cc.client.name,
				CallKind:      string(p.CallKind),
				RoomID:        roomID,
				Timestamp:     time.Now().Unix(),
			})
		})
	}
	return nil
}

func (h *SignalingHub) handleAnswer(ctx context.Context, cc *callConn, env *protocol.Envelope) error {
	var p protocol.Answer
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.TargetUserID == uuid.Nil {
		return apperrors.MissingFieldError("targetUserId")
	}
	p.FromUserID = cc.client.userID
	h.emit(ctx, p.TargetUserID, protocol.EventAnswer, p)
	return nil
}

func (h *SignalingHub) handleICECandidate(ctx context.Context, cc *callConn, env *protocol.Envelope) error {
	var p protocol.ICECandidate
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.TargetUserID == uuid.Nil {
		return apperrors.MissingFieldError("targetUserId")
	}
	p.FromUserID = cc.client.userID
	h.emit(ctx, p.TargetUserID, protocol.EventICECandidate, p)
	return nil
}

func (h *SignalingHub) handleDeclined(ctx context.Context, cc *callConn, env *protocol.Envelope) error {
	var p protocol.CallDeclined
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.TargetUserID == uuid.Nil {
		return apperrors.MissingFieldError("targetUserId")
	}
	p.FromUserID = cc.client.userID
	h.emit(ctx, p.TargetUserID, protocol.EventCallDeclined, p)
	return nil
}

func (h *SignalingHub) handleCancel(ctx context.Context, cc *callConn, env *protocol.Envelope) error {
	var p protocol.CancelCall
	if err := env.Decode(&p); err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	if p.TargetUserID == uuid.Nil {
		return apperrors.MissingFieldError("targetUserId")
	}
	p.FromUserID = cc.client.userID
	delete(cc.ringing, p.TargetUserID)
	delivered := h.emit(ctx, p.TargetUserID, protocol.EventCallCancelled, p)

	if !delivered && !h.isOnline(ctx, p.TargetUserID) {
		h.notify(ctx, "missed_call", func(ctx context.Context) error {
			return h.notifier.NotifyMissedCall(ctx, p.TargetUserID, &push.CallNotificationData{
				AppointmentID: p.AppointmentID,
				CallerID:      cc.client.userID,
				CallerName:    cc.client.name,
				Timestamp:     time.Now().Unix(),
			})
		})
	}
	return nil
}

// handleLeave removes the sender from the room; end-call also tells the
// remaining members the call is over
func (h *SignalingHub) handleLeave(ctx context.Context, cc *callConn, env *protocol.Envelope, ended bool) error {
	var p protocol.RoomRef
	if len(env.Data) > 0 {
		if err := env.Decode(&p); err != nil {
			return apperrors.InvalidInputError(err.Error())
		}
	}

	roomID := p.RoomID
	if roomID == "" && p.AppointmentID != uuid.Nil {
		roomID = domain.RoomIDFor(p.AppointmentID)
	}
	if roomID == "" {
		// bare end-call leaves every room of this connection
		for id := range cc.rooms {
			h.leaveRoom(ctx, cc, id, ended)
		}
		clear(cc.ringing)
		return nil
	}
	if appointmentID, ok := cc.rooms[roomID]; ok {
		cc.stopRinging(appointmentID)
	}
	h.leaveRoom(ctx, cc, roomID, ended)
	return nil
}

// stopRinging forgets offers made about appointmentID
func (cc *callConn) stopRinging(appointmentID uuid.UUID) {
	for target, apptID := range cc.ringing {
		if apptID == appointmentID {
			delete(cc.ringing, target)
		}
	}
}

// leaveRoom returns the members still in the room
func (h *SignalingHub) leaveRoom(ctx context.Context, cc *callConn, roomID string, ended bool) []uuid.UUID {
	delete(cc.rooms, roomID)
	others, err := h.rooms.Leave(ctx, roomID, cc.client.userID)
	if err != nil {
		logger.Warn("Failed to leave call room",
			zap.String("room_id", roomID),
			zap.String("user_id", cc.client.userID.String()),
			zap.Error(err))
		return nil
	}
	if !ended {
		return others
	}
	for _, other := range others {
		h.emit(ctx, other, protocol.EventCallEnded, protocol.CallEnded{
			FromUserID: cc.client.userID,
			RoomID:     roomID,
		})
	}
	return others
}

func (h *SignalingHub) disconnect(cc *callConn) {
	ctx, cancel := opContext()
	defer cancel()

	// a dropped connection ends its calls for the peer
	reached := make(map[uuid.UUID]bool)
	for roomID := range cc.rooms {
		for _, other := range h.leaveRoom(ctx, cc, roomID, true) {
			reached[other] = true
		}
	}
	// callees still ringing never joined the room
	for target, appointmentID := range cc.ringing {
		if reached[target] {
			continue
		}
		h.emit(ctx, target, protocol.EventCallCancelled, protocol.CancelCall{
			FromUserID:    cc.client.userID,
			AppointmentID: appointmentID,
		})
	}

	if cc.joined && h.conns.Remove(cc.client.userID, cc.client) == 0 {
		if err := h.presence.SetUserOffline(ctx, cc.client.userID); err != nil {
			logger.Warn("Failed to set user offline",
				zap.String("user_id", cc.client.userID.String()),
				zap.Error(err))
		}
	}
	logger.Info("Calls connection closed", zap.String("user_id", cc.client.userID.String()))
}

// isOnline reports whether userID has a calls connection anywhere. Unknown
// presence counts as offline so the callee still gets a push.
func (h *SignalingHub) isOnline(ctx context.Context, userID uuid.UUID) bool {
	if h.conns.Has(userID) {
		return true
	}
	online, err := h.presence.IsUserOnline(ctx, userID)
	if err != nil {
		logger.Debug("Presence unavailable", zap.String("user_id", userID.String()), zap.Error(err))
		return false
	}
	return online
}

func (h *SignalingHub) notify(ctx context.Context, category string, send func(context.Context) error) {
	if h.notifier == nil {
		return
	}
	err := send(ctx)
	h.metrics.RecordPushNotification(category, err)
	if err != nil {
		logger.Warn("Push notification failed", zap.String("category", category), zap.Error(err))
	}
}
