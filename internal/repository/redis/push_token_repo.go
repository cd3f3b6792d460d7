package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis
//
// Keys:
//
//	push:token:{token}        JSON push.Token
//	push:user:{userID}:tokens set of token values
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return "push:token:" + token
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry)
	pipe.SAdd(ctx, userTokensKey(token.UserID), token.Token)
	pipe.Expire(ctx, userTokensKey(token.UserID), constants.PushTokenExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value; nil when unknown
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	tokens, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token == nil {
			// expired record, drop the dangling set member
			r.client.SRem(ctx, userTokensKey(userID), tokenStr)
			continue
		}
		result = append(result, token)
	}

	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// DeleteByToken removes one of the user's tokens
func (r *PushTokenRepository) DeleteByToken(ctx context.Context, userID uuid.UUID, tokenStr string) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, userTokensKey(userID), tokenStr)
	pipe.Del(ctx, tokenKey(tokenStr))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted", zap.String("user_id", userID.String()))
	return nil
}

// MarkInactive marks a token as inactive after the provider rejected it
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}
	token.Active = false
	return r.Update(ctx, token)
}
