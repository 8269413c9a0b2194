package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const (
	issuancePrefix = "otp_issuance:"

	// INCR and set the window TTL only on the first hit, so the window runs
	// from the first issuance instead of sliding on every request.
	issuanceScript = `
        local count = redis.call('INCR', KEYS[1])
        if count == 1 then
            redis.call('EXPIRE', KEYS[1], ARGV[1])
        end
        return count
    `
)

// IssuanceCache counts OTP issuances per identifier in Redis. The increment
// is atomic server-side, so concurrent requests each see a distinct count.
type IssuanceCache struct {
	client *client.RedisClient
}

func NewIssuanceCache(client *client.RedisClient) *IssuanceCache {
	return &IssuanceCache{client: client}
}

func (c *IssuanceCache) Increment(ctx context.Context, identifier string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := issuancePrefix + identifier
	result, err := c.client.Eval(ctx, issuanceScript, []string{key}, int(window.Seconds()))
	if err != nil {
		util.Error("Failed to increment issuance counter",
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment issuance counter: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from issuance script")
	}

	util.Debug("Issuance counter incremented",
		zap.Int64("count", count),
		zap.Duration("window", window))

	return int(count), nil
}

func (c *IssuanceCache) Current(ctx context.Context, identifier string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	countStr, err := c.client.Get(ctx, issuancePrefix+identifier)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get issuance counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid issuance counter format: %w", err)
	}
	return count, nil
}

func (c *IssuanceCache) Reset(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, issuancePrefix+identifier); err != nil {
		return fmt.Errorf("failed to reset issuance counter: %w", err)
	}
	return nil
}
