package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"consultlink-backend/internal/database"
	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
)

// RoomRepository keeps transient call rooms in Redis
//
// Keys:
//
//	call:room:{roomID}         hash {appointment_id, call_session_id, created_at}
//	call:room:{roomID}:members set of user ids
type RoomRepository struct {
	client *database.RedisClient
}

// NewRoomRepository creates a new RoomRepository
func NewRoomRepository(client *database.RedisClient) *RoomRepository {
	return &RoomRepository{client: client}
}

func roomKey(roomID string) string {
	return "call:room:" + roomID
}

func roomMembersKey(roomID string) string {
	return "call:room:" + roomID + ":members"
}

// Join adds userID to the room, allocating sessionID when the room is new
func (r *RoomRepository) Join(ctx context.Context, roomID string, appointmentID, userID, sessionID uuid.UUID) (*domain.CallRoom, error) {
	key := roomKey(roomID)
	if err := r.client.SafeHSetNX(ctx, key, "call_session_id", sessionID.String()).Err(); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if err := r.client.SafeHSetNX(ctx, key, "appointment_id", appointmentID.String()).Err(); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if err := r.client.SafeHSetNX(ctx, key, "created_at", time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, roomMembersKey(roomID), userID.String()).Err(); err != nil {
		return nil, fmt.Errorf("failed to add room member: %w", err)
	}
	r.client.SafeExpire(ctx, key, constants.CallRoomTTL)
	r.client.SafeExpire(ctx, roomMembersKey(roomID), constants.CallRoomTTL)

	room, err := r.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("room %s vanished after join", roomID)
	}
	return room, nil
}

// Leave removes userID and deletes the room once it is empty
func (r *RoomRepository) Leave(ctx context.Context, roomID string, userID uuid.UUID) (int, error) {
	if err := r.client.SafeSRem(ctx, roomMembersKey(roomID), userID.String()).Err(); err != nil {
		return 0, fmt.Errorf("failed to remove room member: %w", err)
	}
	remaining, err := r.client.SafeSCard(ctx, roomMembersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count room members: %w", err)
	}
	if remaining == 0 {
		if err := r.client.SafeDel(ctx, roomKey(roomID), roomMembersKey(roomID)).Err(); err != nil {
			return 0, fmt.Errorf("failed to delete room: %w", err)
		}
	}
	return int(remaining), nil
}

// Get returns the room or nil when it does not exist
func (r *RoomRepository) Get(ctx context.Context, roomID string) (*domain.CallRoom, error) {
	fields, err := r.client.SafeHGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	room := &domain.CallRoom{RoomID: roomID}
	if room.AppointmentID, err = uuid.Parse(fields["appointment_id"]); err != nil {
		return nil, fmt.Errorf("corrupt room %s: %w", roomID, err)
	}
	if room.CallSessionID, err = uuid.Parse(fields["call_session_id"]); err != nil {
		return nil, fmt.Errorf("corrupt room %s: %w", roomID, err)
	}
	room.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])

	members, err := r.client.SafeSMembers(ctx, roomMembersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		room.Members = append(room.Members, id)
	}
	return room, nil
}
