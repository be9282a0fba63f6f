package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a call.
type CallStatus string

const (
	CallPending    CallStatus = "PENDING"
	CallAssigned   CallStatus = "ASSIGNED"
	CallInProgress CallStatus = "IN_PROGRESS"
	CallCompleted  CallStatus = "COMPLETED"
	CallAbandoned  CallStatus = "ABANDONED"
	CallFailed     CallStatus = "FAILED"
)

// Qualification is the post-completion outcome of a call.
type Qualification string

const (
	QualificationOK      Qualification = "OK"
	QualificationKO      Qualification = "KO"
	QualificationPending Qualification = "PENDING"
)

// Call is an inbound unit of work that occupies one agent for its
// duration. Qualification settles only on completion.
type Call struct {
	ID              string
	PhoneNumber     string
	CallType        string
	Status          CallStatus
	AssignedAgentID string
	Qualification   Qualification
	CreatedAt       time.Time
	AssignedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
}

// NewCall creates a pending call.
func NewCall(phoneNumber, callType string) *Call {
	return &Call{
		ID:            uuid.NewString(),
		PhoneNumber:   phoneNumber,
		CallType:      callType,
		Status:        CallPending,
		Qualification: QualificationPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// AssignToAgent binds a pending call to an agent.
func (c *Call) AssignToAgent(agentID string) error {
	if c.Status != CallPending {
		return fmt.Errorf("call %s cannot be assigned (status %s)", c.ID, c.Status)
	}
	now := time.Now().UTC()
	c.Status = CallAssigned
	c.AssignedAgentID = agentID
	c.AssignedAt = &now
	return nil
}

// Start moves an assigned call to IN_PROGRESS.
func (c *Call) Start() error {
	if c.Status != CallAssigned {
		return fmt.Errorf("call %s must be assigned before starting (status %s)", c.ID, c.Status)
	}
	now := time.Now().UTC()
	c.Status = CallInProgress
	c.StartedAt = &now
	return nil
}

// Complete terminates the call with its measured duration and drawn
// qualification.
func (c *Call) Complete(durationSeconds float64, q Qualification) error {
	if c.Status != CallAssigned && c.Status != CallInProgress {
		return fmt.Errorf("call %s cannot be completed (status %s)", c.ID, c.Status)
	}
	now := time.Now().UTC()
	c.Status = CallCompleted
	c.CompletedAt = &now
	c.DurationSeconds = durationSeconds
	c.Qualification = q
	return nil
}

// Abandon terminates the call before natural completion. No
// qualification is drawn.
func (c *Call) Abandon() {
	now := time.Now().UTC()
	c.Status = CallAbandoned
	c.CompletedAt = &now
}

// Fail marks a call that arrived while the system was saturated.
func (c *Call) Fail() {
	c.Status = CallFailed
}

// WaitSeconds is the time from creation to assignment, or -1 when the
// call was never assigned.
func (c *Call) WaitSeconds() float64 {
	if c.AssignedAt == nil {
		return -1
	}
	return c.AssignedAt.Sub(c.CreatedAt).Seconds()
}
