package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
)

// MemoryStore keeps rooms in process memory. It serves single-instance
// deployments and stands in for Redis while it is degraded.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*domain.CallRoom
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*domain.CallRoom)}
}

// Join adds userID, creating the room with sessionID when absent
func (m *MemoryStore) Join(_ context.Context, roomID string, appointmentID, userID, sessionID uuid.UUID) (*domain.CallRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		room = &domain.CallRoom{
			RoomID:        roomID,
			AppointmentID: appointmentID,
			CallSessionID: sessionID,
			CreatedAt:     time.Now().UTC(),
		}
		m.rooms[roomID] = room
	}
	for _, member := range room.Members {
		if member == userID {
			return copyRoom(room), nil
		}
	}
	room.Members = append(room.Members, userID)
	return copyRoom(room), nil
}

// Leave removes userID and drops the room once empty
func (m *MemoryStore) Leave(_ context.Context, roomID string, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return 0, nil
	}
	members := room.Members[:0]
	for _, member := range room.Members {
		if member != userID {
			members = append(members, member)
		}
	}
	room.Members = members
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}
	return len(members), nil
}

// Get returns a copy of the room or nil
func (m *MemoryStore) Get(_ context.Context, roomID string) (*domain.CallRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return copyRoom(room), nil
}

func copyRoom(r *domain.CallRoom) *domain.CallRoom {
	c := *r
	c.Members = append([]uuid.UUID(nil), r.Members...)
	return &c
}
