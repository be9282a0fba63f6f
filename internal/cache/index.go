package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// IndexEntry is one availability index candidate with its idle-seconds
// score.
type IndexEntry struct {
	AgentID string
	Score   float64
}

// AvailableAgents returns up to limit agent ids in descending
// idle-seconds order. Entries are not removed: selection is advisory
// and ownership transfer happens via ClaimAgent. limit <= 0 returns the
// whole index.
func (c *Client) AvailableAgents(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := c.rdb.ZRevRange(ctx, availableAgentsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("available agents: %w", err)
	}
	return ids, nil
}

// AvailableAgentEntries is AvailableAgents with the scores attached,
// for callers that may need to put a claimed candidate back at its old
// index position.
func (c *Client) AvailableAgentEntries(ctx context.Context, limit int) ([]IndexEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	zs, err := c.rdb.ZRevRangeWithScores(ctx, availableAgentsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("available agent entries: %w", err)
	}
	entries := make([]IndexEntry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		entries = append(entries, IndexEntry{AgentID: id, Score: z.Score})
	}
	return entries, nil
}

// RestoreAvailable puts a claimed candidate back into the index with
// its previous score. Used when a dispatch has to abort after the claim
// but before the bind, so the agent is not stranded out of the index
// while its hash still says AVAILABLE.
func (c *Client) RestoreAvailable(ctx context.Context, agentID string, score float64) error {
	if err := c.rdb.ZAdd(ctx, availableAgentsKey, redis.Z{Score: score, Member: agentID}).Err(); err != nil {
		return fmt.Errorf("restore available: %w", err)
	}
	return nil
}

// ClaimAgent atomically removes a candidate from the availability
// index. A true result means this caller owns the candidate; a false
// result means another dispatcher claimed it first (or the index entry
// was already gone). The claim must still be re-validated against the
// authoritative agent hash before binding.
func (c *Client) ClaimAgent(ctx context.Context, agentID string) (bool, error) {
	n, err := c.rdb.ZRem(ctx, availableAgentsKey, agentID).Result()
	if err != nil {
		return false, fmt.Errorf("claim agent: %w", err)
	}
	return n == 1, nil
}

// RemoveAvailable drops an agent from the availability index.
// Idempotent.
func (c *Client) RemoveAvailable(ctx context.Context, agentID string) error {
	if err := c.rdb.ZRem(ctx, availableAgentsKey, agentID).Err(); err != nil {
		return fmt.Errorf("remove available: %w", err)
	}
	return nil
}

// AvailableCount returns the current size of the availability index.
func (c *Client) AvailableCount(ctx context.Context) (int64, error) {
	n, err := c.rdb.ZCard(ctx, availableAgentsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("available count: %w", err)
	}
	return n, nil
}
