package room

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/database"
	"consultlink-backend/internal/domain"
	apperrors "consultlink-backend/pkg/errors"
)

// MockAppointmentReader is a mock implementation of AppointmentReader
type MockAppointmentReader struct {
	mock.Mock
}

func (m *MockAppointmentReader) GetByID(ctx context.Context, appointmentID uuid.UUID) (*domain.Appointment, error) {
	args := m.Called(ctx, appointmentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Appointment), args.Error(1)
}

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Join(ctx context.Context, roomID string, appointmentID, userID, sessionID uuid.UUID) (*domain.CallRoom, error) {
	args := m.Called(ctx, roomID, appointmentID, userID, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRoom), args.Error(1)
}

func (m *MockStore) Leave(ctx context.Context, roomID string, userID uuid.UUID) (int, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, roomID string) (*domain.CallRoom, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRoom), args.Error(1)
}

func appointmentFor(patient, doctor uuid.UUID) *domain.Appointment {
	return &domain.Appointment{
		AppointmentID: uuid.New(),
		Patient:       domain.ParticipantRef{ProfileID: uuid.New(), UserID: &patient},
		Doctor:        domain.ParticipantRef{ProfileID: uuid.New(), UserID: &doctor},
		Status:        domain.AppointmentConfirmed,
		Kind:          domain.AppointmentVideo,
	}
}

// TestJoin_AllocatesSessionOnFirstJoin tests that both members see one session id
func TestJoin_AllocatesSessionOnFirstJoin(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	appt := appointmentFor(patient, doctor)

	reader := new(MockAppointmentReader)
	reader.On("GetByID", mock.Anything, appt.AppointmentID).Return(appt, nil)
	service := NewService(NewMemoryStore(), reader, nil)

	first, err := service.Join(context.Background(), appt.AppointmentID, "", doctor)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomIDFor(appt.AppointmentID), first.Room.RoomID)
	assert.Empty(t, first.Others)

	second, err := service.Join(context.Background(), appt.AppointmentID, "", patient)
	require.NoError(t, err)
	assert.Equal(t, first.Room.CallSessionID, second.Room.CallSessionID)
	assert.Equal(t, []uuid.UUID{doctor}, second.Others)

	reader.AssertExpectations(t)
}

// TestJoin_NotParticipant tests that strangers are refused
func TestJoin_NotParticipant(t *testing.T) {
	appt := appointmentFor(uuid.New(), uuid.New())

	reader := new(MockAppointmentReader)
	reader.On("GetByID", mock.Anything, appt.AppointmentID).Return(appt, nil)
	store := new(MockStore)
	service := NewService(store, reader, nil)

	_, err := service.Join(context.Background(), appt.AppointmentID, "", uuid.New())

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeNotParticipant, appErr.Code)
	store.AssertNotCalled(t, "Join")
}

// TestJoin_AppointmentNotFound tests joining an unknown appointment
func TestJoin_AppointmentNotFound(t *testing.T) {
	apptID := uuid.New()
	reader := new(MockAppointmentReader)
	reader.On("GetByID", mock.Anything, apptID).Return(nil, nil)
	service := NewService(NewMemoryStore(), reader, nil)

	_, err := service.Join(context.Background(), apptID, "", uuid.New())

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeAppointmentNotFound, appErr.Code)
}

// TestJoin_RoomBoundToAnotherAppointment tests the room/appointment binding
func TestJoin_RoomBoundToAnotherAppointment(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	appt := appointmentFor(patient, doctor)

	reader := new(MockAppointmentReader)
	reader.On("GetByID", mock.Anything, appt.AppointmentID).Return(appt, nil)
	store := new(MockStore)
	store.On("Get", mock.Anything, "shared").Return(&domain.CallRoom{
		RoomID:        "shared",
		AppointmentID: uuid.New(),
	}, nil)
	service := NewService(store, reader, nil)

	_, err := service.Join(context.Background(), appt.AppointmentID, "shared", patient)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeForbidden, appErr.Code)
	store.AssertNotCalled(t, "Join")
}

// TestJoin_FallsBackWhenStoreDegraded tests the local fallback
func TestJoin_FallsBackWhenStoreDegraded(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	appt := appointmentFor(patient, doctor)
	roomID := domain.RoomIDFor(appt.AppointmentID)

	reader := new(MockAppointmentReader)
	reader.On("GetByID", mock.Anything, appt.AppointmentID).Return(appt, nil)
	store := new(MockStore)
	store.On("Get", mock.Anything, roomID).Return(nil, fmt.Errorf("%w, hgetall skipped", database.ErrDegraded))
	service := NewService(store, reader, nil).WithFallback(NewMemoryStore())

	result, err := service.Join(context.Background(), appt.AppointmentID, "", patient)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{patient}, result.Room.Members)
}

// TestJoin_StoreErrorWithoutFallback tests that non-degraded errors surface
func TestJoin_StoreErrorWithoutFallback(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	appt := appointmentFor(patient, doctor)

	reader := new(MockAppointmentReader)
	reader.On("GetByID", mock.Anything, appt.AppointmentID).Return(appt, nil)
	store := new(MockStore)
	store.On("Get", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
	service := NewService(store, reader, nil).WithFallback(NewMemoryStore())

	_, err := service.Join(context.Background(), appt.AppointmentID, "", patient)
	assert.EqualError(t, err, "boom")
}

// TestLeave tests that the last member empties the room
func TestLeave(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	appt := appointmentFor(patient, doctor)

	reader := new(MockAppointmentReader)
	reader.On("GetByID", mock.Anything, appt.AppointmentID).Return(appt, nil)
	service := NewService(NewMemoryStore(), reader, nil)
	ctx := context.Background()

	joined, err := service.Join(ctx, appt.AppointmentID, "", patient)
	require.NoError(t, err)
	_, err = service.Join(ctx, appt.AppointmentID, "", doctor)
	require.NoError(t, err)

	others, err := service.Leave(ctx, joined.Room.RoomID, patient)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{doctor}, others)

	others, err = service.Leave(ctx, joined.Room.RoomID, doctor)
	require.NoError(t, err)
	assert.Empty(t, others)

	room, err := service.Get(ctx, joined.Room.RoomID)
	require.NoError(t, err)
	assert.Nil(t, room)
}

// TestLeave_UnknownRoom tests leaving a room that does not exist
func TestLeave_UnknownRoom(t *testing.T) {
	service := NewService(NewMemoryStore(), new(MockAppointmentReader), nil)

	others, err := service.Leave(context.Background(), "nope", uuid.New())
	require.NoError(t, err)
	assert.Empty(t, others)
}
