// Package domain holds the dispatch engine's entities: agents, calls and
// the assignments that bind them. All state transitions are guarded; a
// transition that violates the status graph returns an error instead of
// mutating the entity.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the availability state of an agent.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "AVAILABLE"
	AgentBusy      AgentStatus = "BUSY"
	AgentPaused    AgentStatus = "PAUSED"
	AgentOffline   AgentStatus = "OFFLINE"
)

// NeverServedIdle is the idle-seconds sentinel for agents that have not
// handled a call yet. Large but finite so it sorts cleanly in the
// availability index.
const NeverServedIdle = 999999

// Agent is a human worker that handles calls. current_call_id is set iff
// status is BUSY.
type Agent struct {
	ID              string
	Name            string
	AgentType       string
	Status          AgentStatus
	LastCallEndTime *time.Time
	CurrentCallID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewAgent creates an agent in the given starting status.
func NewAgent(name, agentType string, status AgentStatus) *Agent {
	now := time.Now().UTC()
	return &Agent{
		ID:        uuid.NewString(),
		Name:      name,
		AgentType: agentType,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsAvailable reports whether the agent can take a call.
func (a *Agent) IsAvailable() bool {
	return a.Status == AgentAvailable
}

// AssignCall moves the agent to BUSY and binds the call.
func (a *Agent) AssignCall(callID string) error {
	if !a.IsAvailable() {
		return fmt.Errorf("agent %s is not available (status %s)", a.ID, a.Status)
	}
	a.Status = AgentBusy
	a.CurrentCallID = callID
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteCall releases the agent back to AVAILABLE and stamps the idle
// clock.
func (a *Agent) CompleteCall() error {
	if a.Status != AgentBusy {
		return fmt.Errorf("agent %s is not busy (status %s)", a.ID, a.Status)
	}
	now := time.Now().UTC()
	a.Status = AgentAvailable
	a.LastCallEndTime = &now
	a.CurrentCallID = ""
	a.UpdatedAt = now
	return nil
}

// SetAvailable marks the agent available. Used on login and on return
// from pause.
func (a *Agent) SetAvailable() error {
	if a.Status == AgentBusy {
		return fmt.Errorf("agent %s is busy; cannot change status", a.ID)
	}
	a.Status = AgentAvailable
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPaused moves an available agent to PAUSED.
func (a *Agent) SetPaused() error {
	if a.Status != AgentAvailable {
		return fmt.Errorf("agent %s is not available; cannot pause (status %s)", a.ID, a.Status)
	}
	a.Status = AgentPaused
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// SetOffline logs the agent out.
func (a *Agent) SetOffline() error {
	if a.Status == AgentBusy {
		return fmt.Errorf("agent %s is busy; cannot go offline", a.ID)
	}
	a.Status = AgentOffline
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// IdleSeconds returns seconds since the agent's last call ended, or the
// never-served sentinel when the agent has no call history.
func (a *Agent) IdleSeconds() float64 {
	if a.LastCallEndTime == nil {
		return NeverServedIdle
	}
	return time.Since(*a.LastCallEndTime).Seconds()
}
