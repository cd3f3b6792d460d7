package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
	"consultlink-backend/pkg/sanitize"
)

// MessageRepository persists chat messages
type MessageRepository interface {
	Save(ctx context.Context, message *domain.Message) (bool, error)
	ByAppointment(ctx context.Context, appointmentID uuid.UUID, limit int) ([]*domain.Message, error)
	ByPair(ctx context.Context, a, b uuid.UUID, limit int) ([]*domain.Message, error)
	MarkReadByAppointment(ctx context.Context, appointmentID, readerID uuid.UUID) (int, error)
	MarkReadByPair(ctx context.Context, readerID, counterpartID uuid.UUID) (int, error)
}

// AppointmentReader returns nil when the appointment does not exist
type AppointmentReader interface {
	GetByID(ctx context.Context, appointmentID uuid.UUID) (*domain.Appointment, error)
}

// Service handles chat business logic
type Service struct {
	messages     MessageRepository
	appointments AppointmentReader
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewService creates a new chat service
func NewService(messages MessageRepository, appointments AppointmentReader, m *metrics.Metrics) *Service {
	return &Service{
		messages:     messages,
		appointments: appointments,
		metrics:      m,
		now:          time.Now,
	}
}

// SendMessageOutput contains the stored message
type SendMessageOutput struct {
	Message *domain.Message
	// Duplicate is set when the client key was already stored; the message
	// was delivered before and must not be fanned out again
	Duplicate bool
}

// SendMessage validates and stores a message from senderID
func (s *Service) SendMessage(ctx context.Context, senderID uuid.UUID, input *domain.MessageCreate) (*SendMessageOutput, error) {
	content := sanitize.MessageText(input.Content)
	if err := validateMessage(senderID, input, content); err != nil {
		return nil, err
	}

	if input.AppointmentID != nil {
		if err := s.checkAppointment(ctx, *input.AppointmentID, senderID, input.ReceiverID); err != nil {
			return nil, err
		}
	}

	message := &domain.Message{
		ID:              uuid.New(),
		ClientMessageID: input.ClientMessageID,
		SenderID:        senderID,
		ReceiverID:      input.ReceiverID,
		AppointmentID:   input.AppointmentID,
		Content:         content,
		Kind:            input.Kind,
		AttachmentRef:   input.AttachmentRef,
		CreatedAt:       s.now().UTC(),
	}

	created, err := s.messages.Save(ctx, message)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to save message: %w", err))
	}
	if !created {
		logger.Debug("Duplicate message send ignored",
			zap.String("client_message_id", message.ClientMessageID.String()),
			zap.String("message_id", message.ID.String()))
		return &SendMessageOutput{Message: message, Duplicate: true}, nil
	}

	s.metrics.RecordMessage(string(message.Kind))
	return &SendMessageOutput{Message: message}, nil
}

func validateMessage(senderID uuid.UUID, input *domain.MessageCreate, content string) error {
	if !input.Kind.Valid() {
		return apperrors.ValidationError("Unknown message kind")
	}
	if input.ReceiverID == uuid.Nil {
		return apperrors.MissingFieldError("receiverId")
	}
	if input.ReceiverID == senderID {
		return apperrors.ValidationError("Cannot send a message to yourself")
	}
	if utf8.RuneCountInString(content) > constants.MaxMessageLength {
		return apperrors.ValidationError(fmt.Sprintf("Message exceeds %d characters", constants.MaxMessageLength))
	}
	if input.Kind == domain.MessageText {
		if content == "" {
			return apperrors.ValidationError("Message content is empty")
		}
		return nil
	}
	if input.AttachmentRef == "" {
		return apperrors.MissingFieldError("attachmentRef")
	}
	if input.AppointmentID == nil {
		return apperrors.ValidationError("Attachments require an appointment")
	}
	if !strings.HasPrefix(input.AttachmentRef, domain.AttachmentPrefix(*input.AppointmentID, senderID)) {
		return apperrors.ForbiddenError("Attachment does not belong to sender")
	}
	return nil
}

func (s *Service) checkAppointment(ctx context.Context, appointmentID, senderID, receiverID uuid.UUID) error {
	appt, err := s.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if appt == nil {
		return apperrors.AppointmentNotFoundError()
	}
	if !appt.HasParticipant(senderID) {
		return apperrors.NotParticipantError()
	}
	if counterpart, ok := appt.CounterpartOf(senderID); !ok || counterpart != receiverID {
		return apperrors.ValidationError("Receiver is not the appointment counterpart")
	}
	return nil
}

// CheckParticipant fails unless userID takes part in the appointment
func (s *Service) CheckParticipant(ctx context.Context, appointmentID, userID uuid.UUID) error {
	appt, err := s.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if appt == nil {
		return apperrors.AppointmentNotFoundError()
	}
	if !appt.HasParticipant(userID) {
		return apperrors.NotParticipantError()
	}
	return nil
}

// HistoryQuery selects one conversation; exactly one of the ids is set
type HistoryQuery struct {
	AppointmentID *uuid.UUID
	CounterpartID *uuid.UUID
	Limit         int
}

// History returns the latest messages of a conversation in ascending order
func (s *Service) History(ctx context.Context, userID uuid.UUID, q HistoryQuery) ([]*domain.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}

	var (
		messages []*domain.Message
		err      error
	)
	switch {
	case q.AppointmentID != nil && q.CounterpartID == nil:
		if err := s.CheckParticipant(ctx, *q.AppointmentID, userID); err != nil {
			return nil, err
		}
		messages, err = s.messages.ByAppointment(ctx, *q.AppointmentID, limit)
	case q.CounterpartID != nil && q.AppointmentID == nil:
		messages, err = s.messages.ByPair(ctx, userID, *q.CounterpartID, limit)
	default:
		return nil, apperrors.ValidationError("Exactly one of appointment_id or counterpart_id is required")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get messages: %w", err))
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	return messages, nil
}

// MarkRead marks every message addressed to userID in the conversation as read
func (s *Service) MarkRead(ctx context.Context, userID uuid.UUID, appointmentID, counterpartID *uuid.UUID) (int, error) {
	var (
		n   int
		err error
	)
	switch {
	case appointmentID != nil && counterpartID == nil:
		if err := s.CheckParticipant(ctx, *appointmentID, userID); err != nil {
			return 0, err
		}
		n, err = s.messages.MarkReadByAppointment(ctx, *appointmentID, userID)
	case counterpartID != nil && appointmentID == nil:
		n, err = s.messages.MarkReadByPair(ctx, userID, *counterpartID)
	default:
		return 0, apperrors.ValidationError("Exactly one of appointment_id or counterpart_id is required")
	}
	if err != nil {
		return 0, apperrors.DatabaseError(fmt.Errorf("failed to mark read: %w", err))
	}
	return n, nil
}
