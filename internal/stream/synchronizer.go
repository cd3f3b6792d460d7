// Package stream keeps the ordered, de-duplicated message list of the
// conversation that is currently open.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/pkg/logger"
)

var (
	// ErrNoConversation is returned by Send and Retry before Select
	ErrNoConversation = errors.New("no conversation selected")
	// ErrEmptyMessage is returned for a text message without content
	ErrEmptyMessage = errors.New("message content is empty")
)

// HistorySource fetches the persisted messages of a conversation, by
// appointment when the ref has one, otherwise by counterpart
type HistorySource interface {
	MessageHistory(ctx context.Context, ref domain.ConversationRef) ([]domain.Message, error)
}

// Signaler emits chat events
type Signaler interface {
	Emit(event string, payload any) error
}

// Synchronizer merges optimistic sends, server confirmations and live pushes
// into one list ordered by CreatedAt. Entries are keyed by id; a confirmation
// carrying the client message id replaces its provisional entry.
type Synchronizer struct {
	selfID  uuid.UUID
	history HistorySource
	sig     Signaler
	now     func() time.Time

	mu         sync.Mutex
	ref        *domain.ConversationRef
	generation uint64
	messages   []domain.Message
	loadErr    error
	loading    bool

	onChange func([]domain.Message)
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithClock overrides time.Now for provisional timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithOnChange registers a callback receiving a snapshot after each change
func WithOnChange(fn func([]domain.Message)) Option {
	return func(s *Synchronizer) { s.onChange = fn }
}

// New creates a Synchronizer for selfID
func New(selfID uuid.UUID, history HistorySource, sig Signaler, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		selfID:  selfID,
		history: history,
		sig:     sig,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select switches to ref: the list is cleared, the appointment room is joined
// and history is loaded. A history failure is kept for LoadError/Retry and
// does not prevent live messages from arriving.
func (s *Synchronizer) Select(ctx context.Context, ref domain.ConversationRef) error {
	s.mu.Lock()
	s.generation++
	s.ref = &ref
	s.messages = nil
	s.loadErr = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	if ref.AppointmentID != uuid.Nil {
		if err := s.sig.Emit(protocol.EventJoinAppointment, protocol.JoinAppointment{AppointmentID: ref.AppointmentID}); err != nil {
			logger.Warn("Failed to join appointment room",
				zap.String("appointment_id", ref.AppointmentID.String()), zap.Error(err))
		}
	}

	return s.load(ctx)
}

// Retry reloads history for the open conversation
func (s *Synchronizer) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.ref == nil {
		s.mu.Unlock()
		return ErrNoConversation
	}
	s.loadErr = nil
	s.mu.Unlock()
	return s.load(ctx)
}

func (s *Synchronizer) load(ctx context.Context) error {
	s.mu.Lock()
	ref := *s.ref
	gen := s.generation
	s.loading = true
	s.mu.Unlock()

	history, err := s.history.MessageHistory(ctx, ref)

	s.mu.Lock()
	if gen != s.generation {
		// another conversation was selected meanwhile
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if err != nil {
		s.loadErr = fmt.Errorf("failed to load messages: %w", err)
		loadErr := s.loadErr
		snap := s.snapshotLocked()
		s.mu.Unlock()
		logger.Warn("Message history unavailable",
			zap.String("appointment_id", ref.AppointmentID.String()), zap.Error(err))
		s.notify(snap)
		return loadErr
	}
	for i := range history {
		s.mergeLocked(history[i])
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Send appends a provisional message and emits the send request. The
// provisional id doubles as the idempotency key echoed back by the server.
func (s *Synchronizer) Send(content string, kind domain.MessageKind, attachmentRef string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if kind == "" {
		kind = domain.MessageText
	}
	if kind == domain.MessageText && content == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.ref == nil {
		s.mu.Unlock()
		return domain.Message{}, ErrNoConversation
	}
	ref := *s.ref
	clientID := uuid.New()
	provisional := domain.Message{
		ID:              clientID,
		ClientMessageID: clientID,
		SenderID:        s.selfID,
		ReceiverID:      ref.CounterpartID,
		Content:         content,
		Kind:            kind,
		AttachmentRef:   attachmentRef,
		CreatedAt:       s.now(),
		Pending:         true,
	}
	if ref.AppointmentID != uuid.Nil {
		appointmentID := ref.AppointmentID
		provisional.AppointmentID = &appointmentID
	}
	s.mergeLocked(provisional)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	err := s.sig.Emit(protocol.EventSendMessage, protocol.SendMessage{
		ClientMessageID: clientID,
		ReceiverID:      provisional.ReceiverID,
		AppointmentID:   provisional.AppointmentID,
		Content:         content,
		Kind:            kind,
		AttachmentRef:   attachmentRef,
	})
	if err != nil {
		s.mu.Lock()
		s.removeLocked(clientID)
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snap)
		return domain.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return provisional, nil
}

// Merge inserts msg if it belongs to the open conversation. It reports
// whether the list changed.
func (s *Synchronizer) Merge(msg domain.Message) bool {
	s.mu.Lock()
	if s.ref == nil || !msg.BelongsTo(*s.ref, s.selfID) {
		s.mu.Unlock()
		return false
	}
	s.mergeLocked(msg)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

func (s *Synchronizer) mergeLocked(msg domain.Message) {
	idx := -1
	for i := range s.messages {
		m := &s.messages[i]
		if m.ID == msg.ID || (msg.ClientMessageID != uuid.Nil && m.ID == msg.ClientMessageID) {
			idx = i
			break
		}
	}

	if idx >= 0 {
		s.messages[idx] = msg
	} else {
		s.messages = append(s.messages, msg)
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
}

func (s *Synchronizer) removeLocked(id uuid.UUID) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// HandleEvent consumes chat namespace events
func (s *Synchronizer) HandleEvent(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventMessageSent, protocol.EventNewMessage:
		var msg domain.Message
		if err := env.Decode(&msg); err != nil {
			logger.Warn("Invalid message event", zap.String("event", env.Event), zap.Error(err))
			return
		}
		s.Merge(msg)

	case protocol.EventAppointmentJoined:
		logger.Debug("Appointment room joined")

	case protocol.EventError:
		var p protocol.Error
		if err := env.Decode(&p); err == nil {
			logger.Warn("Chat relay error", zap.String("message", p.Message))
		}
	}
}

// Messages returns a snapshot of the ordered list
func (s *Synchronizer) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// LoadError returns the last history failure for the open conversation
func (s *Synchronizer) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// Loading reports whether a history request is in flight
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Conversation returns the open conversation
func (s *Synchronizer) Conversation() (domain.ConversationRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref == nil {
		return domain.ConversationRef{}, false
	}
	return *s.ref, true
}

func (s *Synchronizer) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Synchronizer) notify(snap []domain.Message) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}
