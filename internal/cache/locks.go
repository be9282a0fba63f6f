package cache

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock takes the per-call assignment lock. Returns false when
// another worker already holds a live token for this call. The TTL
// bounds recovery time if the holder crashes without releasing.
func (c *Client) AcquireLock(ctx context.Context, callID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(callID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock deletes the per-call assignment lock. Idempotent.
func (c *Client) ReleaseLock(ctx context.Context, callID string) error {
	if err := c.rdb.Del(ctx, lockKey(callID)).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
