package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus is the lifecycle state of an assignment record.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentActive    AssignmentStatus = "ACTIVE"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentFailed    AssignmentStatus = "FAILED"
)

// Assignment is the binding record between one call and one agent.
// At most one ACTIVE assignment exists per call and per agent.
type Assignment struct {
	ID                      string
	CallID                  string
	AgentID                 string
	Status                  AssignmentStatus
	AssignmentTimeMs        float64
	ExpectedDurationSeconds float64
	ActualDurationSeconds   float64
	CreatedAt               time.Time
	ActivatedAt             *time.Time
	CompletedAt             *time.Time
}

// NewAssignment creates a pending assignment for the given pair.
func NewAssignment(callID, agentID string) *Assignment {
	return &Assignment{
		ID:        uuid.NewString(),
		CallID:    callID,
		AgentID:   agentID,
		Status:    AssignmentPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Activate records the measured assignment latency and expected duration
// and moves the assignment to ACTIVE.
func (a *Assignment) Activate(assignmentTimeMs, expectedDurationSeconds float64) error {
	if a.Status != AssignmentPending {
		return fmt.Errorf("assignment %s cannot be activated (status %s)", a.ID, a.Status)
	}
	now := time.Now().UTC()
	a.Status = AssignmentActive
	a.AssignmentTimeMs = assignmentTimeMs
	a.ExpectedDurationSeconds = expectedDurationSeconds
	a.ActivatedAt = &now
	return nil
}

// Complete closes an active assignment with the actual duration.
func (a *Assignment) Complete(actualDurationSeconds float64) error {
	if a.Status != AssignmentActive {
		return fmt.Errorf("assignment %s cannot be completed (status %s)", a.ID, a.Status)
	}
	now := time.Now().UTC()
	a.Status = AssignmentCompleted
	a.ActualDurationSeconds = actualDurationSeconds
	a.CompletedAt = &now
	return nil
}

// Fail terminates the assignment without completion.
func (a *Assignment) Fail() {
	now := time.Now().UTC()
	a.Status = AssignmentFailed
	a.CompletedAt = &now
}
