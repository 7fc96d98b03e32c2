package models

import (
	"time"

	"github.com/google/uuid"
)

// DispatchStatus represents the lifecycle state of a queued dispatch.
type DispatchStatus string

const (
	DispatchStatusPending   DispatchStatus = "pending"
	DispatchStatusClaimed   DispatchStatus = "claimed"
	DispatchStatusRunning   DispatchStatus = "running"
	DispatchStatusDelayed   DispatchStatus = "delayed"
	DispatchStatusSucceeded DispatchStatus = "succeeded"
	DispatchStatusFailed    DispatchStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchStatusSucceeded || s == DispatchStatusFailed
}

// Dispatch is one queued or executing instance of a workflow, created
// when an inbound event matches the workflow's trigger. The trigger data
// captured at enqueue time is never rewritten; only the status, claim
// and resume fields change over the dispatch's lifetime.
type Dispatch struct {
	ID          uuid.UUID      `json:"id"`
	WorkflowID  uuid.UUID      `json:"workflow_id"`
	Status      DispatchStatus `json:"status"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	Attempts    int            `json:"attempts"`

	// Suspension state for delay steps. A delayed dispatch is not
	// claimable until ResumeAt has elapsed; execution restarts at
	// ResumeStepID rather than at the trigger step.
	ResumeStepID *uuid.UUID `json:"resume_step_id,omitempty"`
	ResumeAt     *time.Time `json:"resume_at,omitempty"`

	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepOutcome classifies the result of one visited step.
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "success"
	StepOutcomeError   StepOutcome = "error"
	StepOutcomeSkipped StepOutcome = "skipped"
)

// StepTrace is the append-only record of one step visited during a
// dispatch's execution.
type StepTrace struct {
	ID         uuid.UUID      `json:"id"`
	DispatchID uuid.UUID      `json:"dispatch_id"`
	StepID     uuid.UUID      `json:"step_id"`
	Seq        int            `json:"seq"`
	Outcome    StepOutcome    `json:"outcome"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}
