package notify

import (
	"time"

	"github.com/acd-dev/acd/internal/domain"
)

// Payload builders. Every event carries event_type and an ISO-8601
// timestamp; the nested shapes are part of the external contract.

// AssignmentEvent builds the CALL_ASSIGNED payload.
func AssignmentEvent(assignment *domain.Assignment, agent *domain.Agent, call *domain.Call) map[string]interface{} {
	return map[string]interface{}{
		"event_type": EventCallAssigned,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"assignment": map[string]interface{}{
			"id":                        assignment.ID,
			"call_id":                   assignment.CallID,
			"agent_id":                  assignment.AgentID,
			"assignment_time_ms":        assignment.AssignmentTimeMs,
			"expected_duration_seconds": assignment.ExpectedDurationSeconds,
		},
		"call": map[string]interface{}{
			"id":           call.ID,
			"phone_number": call.PhoneNumber,
			"call_type":    call.CallType,
			"created_at":   call.CreatedAt.Format(time.RFC3339),
			"assigned_at":  formatPtr(call.AssignedAt),
		},
		"agent": map[string]interface{}{
			"id":         agent.ID,
			"name":       agent.Name,
			"agent_type": agent.AgentType,
			"status":     string(agent.Status),
		},
	}
}

// CompletionEvent builds the CALL_COMPLETED payload.
func CompletionEvent(call *domain.Call, agent *domain.Agent) map[string]interface{} {
	return map[string]interface{}{
		"event_type": EventCallCompleted,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"call": map[string]interface{}{
			"id":                   call.ID,
			"phone_number":         call.PhoneNumber,
			"call_type":            call.CallType,
			"status":               string(call.Status),
			"qualification_result": string(call.Qualification),
			"duration_seconds":     call.DurationSeconds,
			"created_at":           call.CreatedAt.Format(time.RFC3339),
			"assigned_at":          formatPtr(call.AssignedAt),
			"completed_at":         formatPtr(call.CompletedAt),
		},
		"agent": map[string]interface{}{
			"id":         agent.ID,
			"name":       agent.Name,
			"agent_type": agent.AgentType,
			"status":     string(agent.Status),
		},
	}
}

// SaturationEvent builds the SYSTEM_SATURATED payload for an arrival
// that found no available agents.
func SaturationEvent(call *domain.Call, assignmentTimeMs float64) map[string]interface{} {
	return map[string]interface{}{
		"event_type": EventSystemSaturated,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"call": map[string]interface{}{
			"id":           call.ID,
			"phone_number": call.PhoneNumber,
			"call_type":    call.CallType,
			"created_at":   call.CreatedAt.Format(time.RFC3339),
		},
		"assignment_attempt": map[string]interface{}{
			"assignment_time_ms": assignmentTimeMs,
			"status":             "NO_AGENTS_AVAILABLE",
		},
	}
}

// StatusChangeEvent builds the AGENT_STATUS_CHANGED payload.
func StatusChangeEvent(agent *domain.Agent, previousStatus domain.AgentStatus) map[string]interface{} {
	return map[string]interface{}{
		"event_type": EventAgentStatusChanged,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"agent": map[string]interface{}{
			"id":              agent.ID,
			"name":            agent.Name,
			"agent_type":      agent.AgentType,
			"previous_status": string(previousStatus),
			"current_status":  string(agent.Status),
			"updated_at":      agent.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func formatPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
