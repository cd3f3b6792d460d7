package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	// TTL bounds delivery; a ringing call is useless once the caller gave up
	TTL time.Duration `json:"ttl,omitempty"`
}

// Notification categories understood by the mobile apps
const (
	CategoryIncomingCall = "INCOMING_CALL"
	CategoryMissedCall   = "MISSED_CALL"
	CategoryNewMessage   = "NEW_MESSAGE"
)

// IncomingCallTTL is how long an incoming-call push stays deliverable
const IncomingCallTTL = 45 * time.Second

// CallNotificationData describes a call offer relayed to an offline callee
type CallNotificationData struct {
	AppointmentID uuid.UUID
	CallerID      uuid.UUID
	CallerName    string
	CallKind      string
	RoomID        string
	Timestamp     int64
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	DeleteByToken(ctx context.Context, userID uuid.UUID, token string) error
	MarkInactive(ctx context.Context, token string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push token, reactivating it when already known
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil && existing.UserID == token.UserID {
		existing.Active = true
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		token.ID = existing.ID
		return s.repo.Update(ctx, existing)
	}

	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes one of the user's push tokens
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.DeleteByToken(ctx, userID, token)
}

// NotifyIncomingCall rings the callee's devices
func (s *Service) NotifyIncomingCall(ctx context.Context, calleeID uuid.UUID, data *CallNotificationData) error {
	body := "Your consultation call is starting"
	if data.CallerName != "" {
		body = fmt.Sprintf("%s is calling you", data.CallerName)
	}
	notification := &Notification{
		Title:    "Incoming consultation call",
		Body:     body,
		Priority: "high",
		Sound:    "default",
		Category: CategoryIncomingCall,
		TTL:      IncomingCallTTL,
		Data: map[string]string{
			"type":           "call",
			"appointment_id": data.AppointmentID.String(),
			"caller_id":      data.CallerID.String(),
			"caller_name":    data.CallerName,
			"call_kind":      data.CallKind,
			"room_id":        data.RoomID,
			"timestamp":      fmt.Sprintf("%d", data.Timestamp),
		},
	}
	return s.sendToUser(ctx, notification, calleeID)
}

// NotifyMissedCall tells the callee a call was cancelled before pickup
func (s *Service) NotifyMissedCall(ctx context.Context, calleeID uuid.UUID, data *CallNotificationData) error {
	notification := &Notification{
		Title:    "Missed consultation call",
		Body:     fmt.Sprintf("You missed a call from %s", callerLabel(data.CallerName)),
		Priority: "normal",
		Sound:    "default",
		Category: CategoryMissedCall,
		Data: map[string]string{
			"type":           "missed_call",
			"appointment_id": data.AppointmentID.String(),
			"caller_id":      data.CallerID.String(),
		},
	}
	return s.sendToUser(ctx, notification, calleeID)
}

// NotifyNewMessage tells an offline receiver about a chat message
func (s *Service) NotifyNewMessage(ctx context.Context, receiverID, senderID uuid.UUID, appointmentID *uuid.UUID, preview string) error {
	data := map[string]string{
		"type":      "message",
		"sender_id": senderID.String(),
	}
	if appointmentID != nil {
		data["appointment_id"] = appointmentID.String()
	}
	notification := &Notification{
		Title:    "New message",
		Body:     preview,
		Priority: "normal",
		Category: CategoryNewMessage,
		Data:     data,
	}
	return s.sendToUser(ctx, notification, receiverID)
}

func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID uuid.UUID) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens",
			zap.String("user_id", userID.String()),
			zap.String("category", notification.Category))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("user_id", userID.String()),
			zap.String("category", notification.Category),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.String("category", notification.Category),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}
	return nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, token := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, token); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token_prefix", maskPushToken(token)),
				zap.Error(err))
		}
	}
}

func callerLabel(name string) string {
	if name == "" {
		return "your care provider"
	}
	return name
}

// maskPushToken returns a safe masked version of a push token for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("category", notification.Category),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns every notification handed to the provider
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
