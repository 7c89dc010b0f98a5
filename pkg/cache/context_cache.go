package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghuser/whatsup/services/assistant/domain"
)

const (
	// ContextCacheTTL bounds staleness of the cached conversation window.
	ContextCacheTTL = 5 * time.Minute

	contextCacheKeyPrefix = "ctx"
)

// ContextCache is a read-through cache for the recent-message window of a
// conversation. The context retriever consults it before hitting the archive;
// the pipeline invalidates the entry whenever it archives a new message.
type ContextCache struct {
	client *RedisClient
}

// NewContextCache creates a ContextCache backed by the given RedisClient.
func NewContextCache(r *RedisClient) *ContextCache {
	return &ContextCache{client: r}
}

// Get returns the cached window for the chat, or (nil, nil) on a miss.
func (c *ContextCache) Get(ctx context.Context, chatID string) ([]domain.ArchivedMessage, error) {
	raw, err := c.client.Client().Get(ctx, c.key(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var msgs []domain.ArchivedMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return msgs, nil
}

// Set caches the window for the chat with the standard TTL.
func (c *ContextCache) Set(ctx context.Context, chatID string, msgs []domain.ArchivedMessage) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Client().Set(ctx, c.key(chatID), raw, ContextCacheTTL).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate drops the cached window after new history is archived.
func (c *ContextCache) Invalidate(ctx context.Context, chatID string) error {
	if err := c.client.Client().Del(ctx, c.key(chatID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// key builds the Redis key: "ctx:{chatID}"
func (c *ContextCache) key(chatID string) string {
	return fmt.Sprintf("%s:%s", contextCacheKeyPrefix, chatID)
}
