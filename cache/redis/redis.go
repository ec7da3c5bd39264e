// Package redis implements the warm context tier and a checkpoint store on
// Redis. Contexts live under a TTL so an idle conversation eventually falls
// back to the durable store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cauce-ai/cauce"
)

const (
	contextKeyPrefix    = "cauce:ctx:"
	checkpointKeyPrefix = "cauce:cp:"

	defaultContextTTL    = 7 * 24 * time.Hour
	defaultCheckpointTTL = 24 * time.Hour
)

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithContextTTL overrides the context expiry (default 7 days).
func WithContextTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.contextTTL = ttl
		}
	}
}

// WithCheckpointTTL overrides the checkpoint expiry (default 24h).
func WithCheckpointTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.checkpointTTL = ttl
		}
	}
}

// Cache implements cauce.ContextCache and cauce.CheckpointStore over a Redis
// client. The caller owns the client.
type Cache struct {
	rdb           *redis.Client
	contextTTL    time.Duration
	checkpointTTL time.Duration
}

var (
	_ cauce.ContextCache    = (*Cache)(nil)
	_ cauce.CheckpointStore = (*Cache)(nil)
)

// New creates a Cache over an existing Redis client.
func New(rdb *redis.Client, opts ...CacheOption) *Cache {
	c := &Cache{
		rdb:           rdb,
		contextTTL:    defaultContextTTL,
		checkpointTTL: defaultCheckpointTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- ContextCache ---

func (c *Cache) GetContext(ctx context.Context, conversationID string) (cauce.Context, error) {
	data, err := c.rdb.Get(ctx, contextKeyPrefix+conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return cauce.Context{}, cauce.ErrNotFound
	}
	if err != nil {
		return cauce.Context{}, fmt.Errorf("redis get context: %w", err)
	}
	var out cauce.Context
	if err := json.Unmarshal(data, &out); err != nil {
		return cauce.Context{}, fmt.Errorf("decode cached context: %w", err)
	}
	return out, nil
}

func (c *Cache) SetContext(ctx context.Context, v cauce.Context) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := c.rdb.Set(ctx, contextKeyPrefix+v.ConversationID, data, c.contextTTL).Err(); err != nil {
		return fmt.Errorf("redis set context: %w", err)
	}
	return nil
}

func (c *Cache) DeleteContext(ctx context.Context, conversationID string) error {
	if err := c.rdb.Del(ctx, contextKeyPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("redis delete context: %w", err)
	}
	return nil
}

// --- CheckpointStore ---

func (c *Cache) PutCheckpoint(ctx context.Context, conversationID string, cp cauce.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := c.rdb.Set(ctx, checkpointKeyPrefix+conversationID, data, c.checkpointTTL).Err(); err != nil {
		return fmt.Errorf("redis put checkpoint: %w", err)
	}
	return nil
}

func (c *Cache) GetCheckpoint(ctx context.Context, conversationID string) (cauce.Checkpoint, error) {
	data, err := c.rdb.Get(ctx, checkpointKeyPrefix+conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return cauce.Checkpoint{}, cauce.ErrNotFound
	}
	if err != nil {
		return cauce.Checkpoint{}, fmt.Errorf("redis get checkpoint: %w", err)
	}
	var cp cauce.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return cauce.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (c *Cache) DeleteCheckpoint(ctx context.Context, conversationID string) error {
	if err := c.rdb.Del(ctx, checkpointKeyPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("redis delete checkpoint: %w", err)
	}
	return nil
}
