// Package agent runs a headless consultation participant: it keeps the
// conversation list current, answers or places calls and mirrors the chat of
// the open conversation into the log.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/call"
	"consultlink-backend/internal/client/api"
	"consultlink-backend/internal/client/transport"
	"consultlink-backend/internal/conversation"
	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/internal/stream"
	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/logger"
)

// Agent wires the client-side components to one relay connection
type Agent struct {
	cfg    *Config
	selfID uuid.UUID
	role   domain.Role

	api     *api.Client
	manager *transport.Manager
	peers   call.PeerFactory
	media   call.MediaDevices

	deriver  *conversation.Deriver
	registry *call.Registry
	detector *call.Detector
	messages *stream.Synchronizer
	router   *Router

	mu       sync.Mutex
	autoCall bool
}

// New validates cfg and builds the REST client and connection manager.
// peers and media are the call capture stack.
func New(cfg *Config, peers call.PeerFactory, media call.MediaDevices) (*Agent, error) {
	selfID, err := uuid.Parse(cfg.Identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	token := TokenSource(cfg.Identity, selfID)

	a := &Agent{
		cfg:      cfg,
		selfID:   selfID,
		role:     domain.Role(cfg.Identity.Role),
		api:      api.NewClient(cfg.API.URL, token, &http.Client{Timeout: cfg.API.Timeout}),
		manager:  transport.NewManager(transport.ManagerConfig{BaseURL: cfg.Relay.URL, Token: token}),
		peers:    peers,
		media:    media,
		autoCall: cfg.Call.AutoCall,
	}
	a.deriver = conversation.NewDeriver(selfID, a.role, conversation.WithOnChange(a.logConversations))
	return a, nil
}

// TokenSource returns the static token, or mints one per call from the secret
func TokenSource(id IdentityConfig, selfID uuid.UUID) func() (string, error) {
	if id.Token != "" {
		token := id.Token
		return func() (string, error) { return token, nil }
	}
	manager := jwt.NewJWTManager(id.Secret, 15*time.Minute)
	return func() (string, error) {
		return manager.GenerateAccessToken(selfID, id.Name, id.Role)
	}
}

// Run connects both namespaces and blocks until ctx ends
func (a *Agent) Run(ctx context.Context) error {
	handle, err := a.manager.Connect(a.selfID)
	if err != nil {
		return fmt.Errorf("failed to connect relay: %w", err)
	}
	defer a.manager.Disconnect(a.selfID)

	a.registry = call.NewRegistry(a.selfID, handle.Calls, a.peers, a.media,
		call.WithSessionHook(a.watchSession))
	a.detector = call.NewDetector(a.deriver, a.registry, handle.Calls)
	a.detector.OnPrompt(func(in call.IncomingCall) { a.onIncoming(ctx, in) })
	a.detector.OnWithdrawn(func(in call.IncomingCall) {
		logger.Info("Caller hung up before pickup", zap.String("from_user_id", in.FromUserID.String()))
	})
	a.messages = stream.New(a.selfID, a.api, handle.Chat, stream.WithOnChange(func(msgs []domain.Message) {
		logger.Debug("Message stream updated", zap.Int("messages", len(msgs)))
	}))

	a.router = NewRouter(a.selfID, a.deriver, a.registry, a.detector, a.messages)

	handle.Calls.OnAny(a.router.HandleCallEvent)
	handle.Chat.OnAny(a.router.HandleChatEvent)
	handle.Chat.OnStateChange(func(connected bool) {
		if id := a.deriver.Selected(); connected && id != uuid.Nil {
			if err := handle.Chat.Emit(protocol.EventJoinAppointment, protocol.JoinAppointment{AppointmentID: id}); err != nil {
				logger.Debug("Failed to rejoin appointment", zap.Error(err))
			}
		}
	})
	handle.Calls.Start()
	handle.Chat.Start()

	a.refresh(ctx)
	ticker := time.NewTicker(a.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.registry.CloseAll()
			return nil
		case <-ticker.C:
			a.refresh(ctx)
		}
	}
}

// refresh reloads appointments, releases queued offers and opens the best
// conversation when none is open
func (a *Agent) refresh(ctx context.Context) {
	list, err := a.api.ListAppointments(ctx)
	if err != nil {
		logger.Warn("Failed to load appointments", zap.Error(err))
		a.deriver.Recompute()
		return
	}
	a.router.Reload(list)

	if a.deriver.Selected() == uuid.Nil {
		if target, ok := PickConversation(a.deriver.Conversations()); ok {
			a.open(ctx, target.ID)
		}
	}
	a.maybeCall(ctx)
}

func (a *Agent) open(ctx context.Context, id uuid.UUID) {
	ref, ok := a.deriver.Select(id)
	if !ok {
		return
	}
	if err := a.messages.Select(ctx, ref); err != nil {
		logger.Warn("Failed to load message history",
			zap.String("appointment_id", id.String()),
			zap.Error(err))
	}
	if err := a.api.MarkRead(ctx, id); err != nil {
		logger.Debug("Failed to mark messages read", zap.Error(err))
	}
	logger.Info("Conversation opened",
		zap.String("appointment_id", id.String()),
		zap.String("counterpart", ref.DisplayName))
}

// maybeCall places one call to the first callable conversation
func (a *Agent) maybeCall(ctx context.Context) {
	a.mu.Lock()
	if !a.autoCall {
		a.mu.Unlock()
		return
	}
	var target *domain.Conversation
	for _, c := range a.deriver.Conversations() {
		if c.CanStartCall() {
			target = &c
			break
		}
	}
	if target == nil {
		a.mu.Unlock()
		return
	}
	a.autoCall = false
	a.mu.Unlock()

	go func() {
		_, err := a.registry.Start(ctx, call.Request{
			AppointmentID: target.ID,
			CounterpartID: target.CounterpartID,
			RoomID:        domain.RoomIDFor(target.ID),
			Kind:          domain.CallKind(a.cfg.Call.Kind),
			Initiator:     true,
		})
		if err != nil {
			logger.Warn("Outgoing call failed", zap.String("appointment_id", target.ID.String()), zap.Error(err))
		}
	}()
}

func (a *Agent) onIncoming(ctx context.Context, in call.IncomingCall) {
	logger.Info("Incoming call prompt",
		zap.String("from", in.CallerName),
		zap.String("appointment_id", in.AppointmentID.String()),
		zap.String("call_kind", string(in.Kind)))
	if !a.cfg.Call.AutoAccept {
		return
	}
	go func() {
		if _, err := a.detector.Accept(ctx, in.FromUserID); err != nil && !errors.Is(err, call.ErrNoPendingCall) {
			logger.Warn("Failed to accept call", zap.Error(err))
		}
	}()
}

func (a *Agent) watchSession(s *call.Session) {
	s.OnStateChange(func(st call.State) {
		fields := []zap.Field{
			zap.String("appointment_id", s.AppointmentID().String()),
			zap.String("phase", string(st.Phase)),
		}
		if st.Err != nil {
			fields = append(fields, zap.Error(st.Err))
		}
		logger.Info("Call phase changed", fields...)
	})
}

func (a *Agent) logConversations(list []domain.Conversation) {
	logger.Debug("Conversations updated", zap.Int("count", len(list)))
}

// PickConversation prefers the first ACTIVE conversation, then the head of the
// list
func PickConversation(list []domain.Conversation) (domain.Conversation, bool) {
	if len(list) == 0 {
		return domain.Conversation{}, false
	}
	for _, c := range list {
		if c.TemporalStatus == domain.StatusActive {
			return c, true
		}
	}
	return list[0], true
}
