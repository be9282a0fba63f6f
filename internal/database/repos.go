package database

import (
	"context"
	"fmt"

	"github.com/acd-dev/acd/internal/domain"
)

// Point upserts and lookups only. The dispatch path never queries here;
// these exist so the system survives a cold start of the fast tier.

// UpsertAgent writes or replaces an agent row.
func (c *Client) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	var currentCall *string
	if a.CurrentCallID != "" {
		currentCall = &a.CurrentCallID
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO agents (id, name, agent_type, status, last_call_end_time, current_call_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			agent_type = EXCLUDED.agent_type,
			status = EXCLUDED.status,
			last_call_end_time = EXCLUDED.last_call_end_time,
			current_call_id = EXCLUDED.current_call_id,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.AgentType, string(a.Status), a.LastCallEndTime, currentCall, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent loads an agent row by id.
func (c *Client) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a := &domain.Agent{}
	var status string
	var currentCall *string
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, agent_type, status, last_call_end_time, current_call_id, created_at, updated_at
		FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.AgentType, &status, &a.LastCallEndTime, &currentCall, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Status = domain.AgentStatus(status)
	if currentCall != nil {
		a.CurrentCallID = *currentCall
	}
	return a, nil
}

// DeleteAgent removes an agent row. Idempotent.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// UpsertCall writes or replaces a call row.
func (c *Client) UpsertCall(ctx context.Context, call *domain.Call) error {
	var agentID *string
	if call.AssignedAgentID != "" {
		agentID = &call.AssignedAgentID
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO calls (id, phone_number, call_type, status, assigned_agent_id, qualification_result,
			created_at, assigned_at, started_at, completed_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_agent_id = EXCLUDED.assigned_agent_id,
			qualification_result = EXCLUDED.qualification_result,
			assigned_at = EXCLUDED.assigned_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_seconds = EXCLUDED.duration_seconds`,
		call.ID, call.PhoneNumber, call.CallType, string(call.Status), agentID, string(call.Qualification),
		call.CreatedAt, call.AssignedAt, call.StartedAt, call.CompletedAt, call.DurationSeconds)
	if err != nil {
		return fmt.Errorf("upsert call: %w", err)
	}
	return nil
}

// GetCall loads a call row by id.
func (c *Client) GetCall(ctx context.Context, id string) (*domain.Call, error) {
	call := &domain.Call{}
	var status, qualification string
	var agentID *string
	var duration *float64
	err := c.pool.QueryRow(ctx, `
		SELECT id, phone_number, call_type, status, assigned_agent_id, qualification_result,
			created_at, assigned_at, started_at, completed_at, duration_seconds
		FROM calls WHERE id = $1`, id).
		Scan(&call.ID, &call.PhoneNumber, &call.CallType, &status, &agentID, &qualification,
			&call.CreatedAt, &call.AssignedAt, &call.StartedAt, &call.CompletedAt, &duration)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	call.Status = domain.CallStatus(status)
	call.Qualification = domain.Qualification(qualification)
	if agentID != nil {
		call.AssignedAgentID = *agentID
	}
	if duration != nil {
		call.DurationSeconds = *duration
	}
	return call, nil
}

// DeleteCall removes a call row. Idempotent.
func (c *Client) DeleteCall(ctx context.Context, id string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM calls WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

// UpsertAssignment writes or replaces an assignment row.
func (c *Client) UpsertAssignment(ctx context.Context, a *domain.Assignment) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO assignments (id, call_id, agent_id, status, assignment_time_ms,
			expected_duration_seconds, actual_duration_seconds, created_at, activated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assignment_time_ms = EXCLUDED.assignment_time_ms,
			expected_duration_seconds = EXCLUDED.expected_duration_seconds,
			actual_duration_seconds = EXCLUDED.actual_duration_seconds,
			activated_at = EXCLUDED.activated_at,
			completed_at = EXCLUDED.completed_at`,
		a.ID, a.CallID, a.AgentID, string(a.Status), a.AssignmentTimeMs,
		a.ExpectedDurationSeconds, a.ActualDurationSeconds, a.CreatedAt, a.ActivatedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// GetAssignment loads the most recent assignment row for a call.
func (c *Client) GetAssignment(ctx context.Context, callID string) (*domain.Assignment, error) {
	a := &domain.Assignment{}
	var status string
	err := c.pool.QueryRow(ctx, `
		SELECT id, call_id, agent_id, status, assignment_time_ms,
			expected_duration_seconds, actual_duration_seconds, created_at, activated_at, completed_at
		FROM assignments WHERE call_id = $1 ORDER BY created_at DESC LIMIT 1`, callID).
		Scan(&a.ID, &a.CallID, &a.AgentID, &status, &a.AssignmentTimeMs,
			&a.ExpectedDurationSeconds, &a.ActualDurationSeconds, &a.CreatedAt, &a.ActivatedAt, &a.CompletedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	a.Status = domain.AssignmentStatus(status)
	return a, nil
}
