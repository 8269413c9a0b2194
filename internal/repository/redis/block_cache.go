package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const blockPrefix = "blocked:"

// BlockCache keeps active block records in Redis keyed by identifier. The
// TTL mirrors the block expiry, so a cache hit is always a live block and
// lapsed entries vanish without a sweep. Durable truth stays in the store.
type BlockCache struct {
	client *client.RedisClient
}

func NewBlockCache(client *client.RedisClient) *BlockCache {
	return &BlockCache{client: client}
}

func (c *BlockCache) Put(ctx context.Context, rec *model.BlockedIdentifierRecord, now time.Time) error {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal block record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, blockPrefix+rec.Identifier, data, ttl); err != nil {
		util.Error("Failed to cache block record", zap.Error(err))
		return fmt.Errorf("failed to cache block record: %w", err)
	}
	return nil
}

// Get returns the cached block, or nil on a miss.
func (c *BlockCache) Get(ctx context.Context, identifier string) (*model.BlockedIdentifierRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, blockPrefix+identifier)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read block cache: %w", err)
	}

	var rec model.BlockedIdentifierRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached block: %w", err)
	}
	return &rec, nil
}

// Invalidate drops the cached block after an unblock.
func (c *BlockCache) Invalidate(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, blockPrefix+identifier); err != nil {
		return fmt.Errorf("failed to invalidate block cache: %w", err)
	}
	return nil
}
