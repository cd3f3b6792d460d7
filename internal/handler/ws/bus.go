package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"consultlink-backend/internal/database"
	"consultlink-backend/pkg/logger"
)

// Bus fans frames out to relay instances that hold the target user's
// connections. Instances ignore their own publications.
type Bus interface {
	Publish(ctx context.Context, userID uuid.UUID, frame []byte) error
	// Run delivers frames published by other instances until ctx ends
	Run(ctx context.Context, deliver func(userID uuid.UUID, frame []byte))
}

// LocalBus is the single-instance bus
type LocalBus struct{}

// Publish is a no-op
func (LocalBus) Publish(context.Context, uuid.UUID, []byte) error { return nil }

// Run blocks until ctx ends
func (LocalBus) Run(ctx context.Context, _ func(uuid.UUID, []byte)) { <-ctx.Done() }

// Channel prefixes per namespace
const (
	SignalChannelPrefix = "signal:user:"
	ChatChannelPrefix   = "chat:user:"
)

const busResubscribeInterval = 5 * time.Second

type busMessage struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBus publishes on <prefix><userID> and pattern-subscribes to <prefix>*
type RedisBus struct {
	client *database.RedisClient
	prefix string
	origin string
}

// NewRedisBus creates a bus; origin identifies this instance
func NewRedisBus(client *database.RedisClient, prefix, origin string) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, origin: origin}
}

// Publish sends frame to the user's channel. Fails with database.ErrDegraded
// while Redis is down; local delivery is unaffected.
func (b *RedisBus) Publish(ctx context.Context, userID uuid.UUID, frame []byte) error {
	data, err := json.Marshal(busMessage{Origin: b.origin, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}
	if err := b.client.SafePublish(ctx, b.prefix+userID.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.prefix, err)
	}
	return nil
}

// Run subscribes and resubscribes after Redis recovers from degraded mode
func (b *RedisBus) Run(ctx context.Context, deliver func(uuid.UUID, []byte)) {
	for {
		pubsub := b.client.SafePSubscribe(ctx, b.prefix+"*")
		if pubsub != nil {
			b.consume(ctx, pubsub.Channel(), deliver)
			pubsub.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(busResubscribeInterval):
		}
	}
}

func (b *RedisBus) consume(ctx context.Context, ch <-chan *redis.Message, deliver func(uuid.UUID, []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, msg.Payload, deliver)
		}
	}
}

func (b *RedisBus) dispatch(channel, payload string, deliver func(uuid.UUID, []byte)) {
	userID, err := uuid.Parse(strings.TrimPrefix(channel, b.prefix))
	if err != nil {
		logger.Warn("Bus message on unexpected channel", zap.String("channel", channel))
		return
	}

	var msg busMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Warn("Invalid bus message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if msg.Origin == b.origin {
		return
	}
	deliver(userID, msg.Frame)
}
