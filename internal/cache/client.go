// Package cache is the fast tier of the state store: Redis hashes for
// entity state, a sorted set for the agent availability index, per-call
// assignment locks and flat metric keys. It is authoritative for
// in-flight dispatch decisions; the durable tier only matters across
// restarts.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acd-dev/acd/internal/domain"
)

// ErrNotFound is returned when an entity key does not exist in the fast
// tier.
var ErrNotFound = errors.New("cache: not found")

const (
	availableAgentsKey = "available_agents"
	agentSetKey        = "agents"
)

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis:// connection string.
	URL string
	// PoolSize is the connection pool size (default 10).
	PoolSize int
}

// Client wraps the Redis connection used by the dispatch engine.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewClientFromRedis wraps an existing client. Useful for testing with
// miniredis.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func agentKey(id string) string      { return "agent:" + id + ":status" }
func callKey(id string) string       { return "call:" + id + ":status" }
func assignmentKey(id string) string { return "assignment:" + id }
func lockKey(callID string) string   { return "assignment_lock:" + callID }
func metricKey(name string) string   { return "metric:" + name }

// agentWrite queues the full agent write: the hash, the agent set, and
// the availability index entry (upserted for AVAILABLE agents, removed
// for everything else).
func agentWrite(ctx context.Context, pipe redis.Pipeliner, a *domain.Agent) {
	idle := a.IdleSeconds()

	lastEnd := ""
	if a.LastCallEndTime != nil {
		lastEnd = a.LastCallEndTime.Format(time.RFC3339Nano)
	}

	pipe.HSet(ctx, agentKey(a.ID), map[string]interface{}{
		"id":                 a.ID,
		"name":               a.Name,
		"agent_type":         a.AgentType,
		"status":             string(a.Status),
		"last_call_end_time": lastEnd,
		"current_call_id":    a.CurrentCallID,
		"created_at":         a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         a.UpdatedAt.Format(time.RFC3339Nano),
		"idle_time_seconds":  strconv.FormatFloat(idle, 'f', -1, 64),
	})
	pipe.SAdd(ctx, agentSetKey, a.ID)
	if a.IsAvailable() {
		pipe.ZAdd(ctx, availableAgentsKey, redis.Z{Score: idle, Member: a.ID})
	} else {
		pipe.ZRem(ctx, availableAgentsKey, a.ID)
	}
}

// PutAgent writes the agent hash and keeps the availability index in
// step: AVAILABLE agents are upserted with their idle-seconds score,
// everything else is removed from the index.
func (c *Client) PutAgent(ctx context.Context, a *domain.Agent) error {
	pipe := c.rdb.Pipeline()
	agentWrite(ctx, pipe, a)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

// PutAgentIfStatus writes the agent only while the stored status field
// still equals expected, using WATCH so the check and the write are one
// atomic step. A false result means a concurrent writer got there first
// and the caller's copy of the agent is stale. This is the guard that
// keeps a status-churn write from clobbering a bind that landed between
// the caller's read and its write. Writing a missing agent also returns
// false: there is no stored status to transition from.
func (c *Client) PutAgentIfStatus(ctx context.Context, a *domain.Agent, expected domain.AgentStatus) (bool, error) {
	var conflict bool
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, agentKey(a.ID), "status").Result()
		if isNil(err) || (err == nil && domain.AgentStatus(current) != expected) {
			conflict = true
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			agentWrite(ctx, pipe, a)
			return nil
		})
		return err
	}, agentKey(a.ID))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("put agent if status: %w", err)
	}
	return !conflict, nil
}

// GetAgent loads an agent from its hash.
func (c *Client) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	data, err := c.rdb.HGetAll(ctx, agentKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if len(data) == 0 || data["id"] == "" {
		return nil, ErrNotFound
	}

	a := &domain.Agent{
		ID:            data["id"],
		Name:          data["name"],
		AgentType:     data["agent_type"],
		Status:        domain.AgentStatus(data["status"]),
		CurrentCallID: data["current_call_id"],
	}
	if t, err := time.Parse(time.RFC3339Nano, data["last_call_end_time"]); err == nil {
		a.LastCallEndTime = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		a.UpdatedAt = t
	}
	return a, nil
}

// DeleteAgent removes the agent hash and its index entries.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, agentKey(id))
	pipe.ZRem(ctx, availableAgentsKey, id)
	pipe.SRem(ctx, agentSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// AgentIDs returns every agent id known to the fast tier.
func (c *Client) AgentIDs(ctx context.Context) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, agentSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("agent ids: %w", err)
	}
	return ids, nil
}

// PutCall writes the call hash.
func (c *Client) PutCall(ctx context.Context, call *domain.Call) error {
	err := c.rdb.HSet(ctx, callKey(call.ID), map[string]interface{}{
		"id":                   call.ID,
		"phone_number":         call.PhoneNumber,
		"call_type":            call.CallType,
		"status":               string(call.Status),
		"assigned_agent_id":    call.AssignedAgentID,
		"qualification_result": string(call.Qualification),
		"created_at":           call.CreatedAt.Format(time.RFC3339Nano),
		"assigned_at":          formatTimePtr(call.AssignedAt),
		"started_at":           formatTimePtr(call.StartedAt),
		"completed_at":         formatTimePtr(call.CompletedAt),
		"duration_seconds":     strconv.FormatFloat(call.DurationSeconds, 'f', -1, 64),
	}).Err()
	if err != nil {
		return fmt.Errorf("put call: %w", err)
	}
	return nil
}

// GetCall loads a call from its hash.
func (c *Client) GetCall(ctx context.Context, id string) (*domain.Call, error) {
	data, err := c.rdb.HGetAll(ctx, callKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	if len(data) == 0 || data["id"] == "" {
		return nil, ErrNotFound
	}

	call := &domain.Call{
		ID:              data["id"],
		PhoneNumber:     data["phone_number"],
		CallType:        data["call_type"],
		Status:          domain.CallStatus(data["status"]),
		AssignedAgentID: data["assigned_agent_id"],
		Qualification:   domain.Qualification(data["qualification_result"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		call.CreatedAt = t
	}
	call.AssignedAt = parseTimePtr(data["assigned_at"])
	call.StartedAt = parseTimePtr(data["started_at"])
	call.CompletedAt = parseTimePtr(data["completed_at"])
	if f, err := strconv.ParseFloat(data["duration_seconds"], 64); err == nil {
		call.DurationSeconds = f
	}
	return call, nil
}

// DeleteCall removes the call hash.
func (c *Client) DeleteCall(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, callKey(id)).Err(); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

// PutAssignment writes the assignment hash, keyed by call id so the
// active assignment for a call is a point lookup.
func (c *Client) PutAssignment(ctx context.Context, a *domain.Assignment) error {
	err := c.rdb.HSet(ctx, assignmentKey(a.CallID), map[string]interface{}{
		"id":                        a.ID,
		"call_id":                   a.CallID,
		"agent_id":                  a.AgentID,
		"status":                    string(a.Status),
		"assignment_time_ms":        strconv.FormatFloat(a.AssignmentTimeMs, 'f', -1, 64),
		"expected_duration_seconds": strconv.FormatFloat(a.ExpectedDurationSeconds, 'f', -1, 64),
		"actual_duration_seconds":   strconv.FormatFloat(a.ActualDurationSeconds, 'f', -1, 64),
		"created_at":                a.CreatedAt.Format(time.RFC3339Nano),
		"activated_at":              formatTimePtr(a.ActivatedAt),
		"completed_at":              formatTimePtr(a.CompletedAt),
	}).Err()
	if err != nil {
		return fmt.Errorf("put assignment: %w", err)
	}
	return nil
}

// GetAssignment loads the assignment for a call.
func (c *Client) GetAssignment(ctx context.Context, callID string) (*domain.Assignment, error) {
	data, err := c.rdb.HGetAll(ctx, assignmentKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if len(data) == 0 || data["id"] == "" {
		return nil, ErrNotFound
	}

	a := &domain.Assignment{
		ID:     data["id"],
		CallID: data["call_id"],
		AgentID: data["agent_id"],
		Status: domain.AssignmentStatus(data["status"]),
	}
	if f, err := strconv.ParseFloat(data["assignment_time_ms"], 64); err == nil {
		a.AssignmentTimeMs = f
	}
	if f, err := strconv.ParseFloat(data["expected_duration_seconds"], 64); err == nil {
		a.ExpectedDurationSeconds = f
	}
	if f, err := strconv.ParseFloat(data["actual_duration_seconds"], 64); err == nil {
		a.ActualDurationSeconds = f
	}
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		a.CreatedAt = t
	}
	a.ActivatedAt = parseTimePtr(data["activated_at"])
	a.CompletedAt = parseTimePtr(data["completed_at"])
	return a, nil
}

// DeleteAssignment removes the assignment hash for a call.
func (c *Client) DeleteAssignment(ctx context.Context, callID string) error {
	if err := c.rdb.Del(ctx, assignmentKey(callID)).Err(); err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// FlushAll clears the fast tier. Test and cleanup use only.
func (c *Client) FlushAll(ctx context.Context) error {
	return c.rdb.FlushDB(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
