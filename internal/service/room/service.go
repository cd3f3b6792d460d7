package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/database"
	"consultlink-backend/internal/domain"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
)

// Store keeps call room membership
type Store interface {
	Join(ctx context.Context, roomID string, appointmentID, userID, sessionID uuid.UUID) (*domain.CallRoom, error)
	Leave(ctx context.Context, roomID string, userID uuid.UUID) (int, error)
	Get(ctx context.Context, roomID string) (*domain.CallRoom, error)
}

// AppointmentReader returns nil when the appointment does not exist
type AppointmentReader interface {
	GetByID(ctx context.Context, appointmentID uuid.UUID) (*domain.Appointment, error)
}

// Service handles call room business logic
type Service struct {
	store        Store
	fallback     Store
	appointments AppointmentReader
	metrics      *metrics.Metrics
}

// NewService creates a new room service
func NewService(store Store, appointments AppointmentReader, m *metrics.Metrics) *Service {
	return &Service{
		store:        store,
		appointments: appointments,
		metrics:      m,
	}
}

// WithFallback sets the store used while the primary store is degraded
func (s *Service) WithFallback(fallback Store) *Service {
	s.fallback = fallback
	return s
}

// JoinResult is the room after a join plus the members that were already there
type JoinResult struct {
	Room   *domain.CallRoom
	Others []uuid.UUID
}

// Join adds userID to the call room of appointmentID. roomID defaults to the
// appointment's room; a room bound to another appointment is refused.
func (s *Service) Join(ctx context.Context, appointmentID uuid.UUID, roomID string, userID uuid.UUID) (*JoinResult, error) {
	if err := s.CheckParticipant(ctx, appointmentID, userID); err != nil {
		return nil, err
	}
	if roomID == "" {
		roomID = domain.RoomIDFor(appointmentID)
	}

	var room *domain.CallRoom
	err := s.withStore(func(store Store) error {
		existing, err := store.Get(ctx, roomID)
		if err != nil {
			return err
		}
		if existing != nil && existing.AppointmentID != appointmentID {
			return apperrors.ForbiddenError("Room belongs to another appointment")
		}
		room, err = store.Join(ctx, roomID, appointmentID, userID, uuid.New())
		if err != nil {
			return err
		}
		if existing == nil {
			s.metrics.AddCallRooms(1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &JoinResult{Room: room}
	for _, member := range room.Members {
		if member != userID {
			result.Others = append(result.Others, member)
		}
	}

	logger.Debug("User joined call room",
		zap.String("room_id", roomID),
		zap.String("user_id", userID.String()),
		zap.Int("members", len(room.Members)))

	return result, nil
}

// Leave removes userID from the room and returns the members left behind
func (s *Service) Leave(ctx context.Context, roomID string, userID uuid.UUID) ([]uuid.UUID, error) {
	var others []uuid.UUID
	err := s.withStore(func(store Store) error {
		room, err := store.Get(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return nil
		}
		remaining, err := store.Leave(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			s.metrics.AddCallRooms(-1)
		}
		for _, member := range room.Members {
			if member != userID {
				others = append(others, member)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to leave room %s: %w", roomID, err)
	}
	return others, nil
}

// Get returns the room or nil
func (s *Service) Get(ctx context.Context, roomID string) (*domain.CallRoom, error) {
	var room *domain.CallRoom
	err := s.withStore(func(store Store) error {
		var err error
		room, err = store.Get(ctx, roomID)
		return err
	})
	return room, err
}

// CheckParticipant fails unless userID is the patient or doctor of the appointment
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

func (s *Service) withStore(fn func(Store) error) error {
	err := fn(s.store)
	if err != nil && s.fallback != nil && errors.Is(err, database.ErrDegraded) {
		logger.Warn("Room store degraded, using local fallback", zap.Error(err))
		return fn(s.fallback)
	}
	return err
}
