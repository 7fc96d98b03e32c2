// Package models defines the domain models for the automation service
package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the publish state of a workflow definition
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusPublished WorkflowStatus = "published"
	WorkflowStatusPaused    WorkflowStatus = "paused"
)

// StepKind represents the kind of a workflow step
type StepKind string

const (
	StepKindTrigger   StepKind = "trigger"
	StepKindAction    StepKind = "action"
	StepKindCondition StepKind = "condition"
	StepKindDelay     StepKind = "delay"
)

// ConnectionType tags a directed edge between steps with the branch it
// represents.
type ConnectionType string

const (
	ConnectionNext        ConnectionType = "next"
	ConnectionTrueBranch  ConnectionType = "true_branch"
	ConnectionFalseBranch ConnectionType = "false_branch"
)

// Workflow is one version of an automation definition: an ordered set of
// steps plus the directed connections between them. Only published
// workflows are eligible for dispatch; the runner treats a definition as
// a read-only snapshot.
type Workflow struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        WorkflowStatus `json:"status"`
	TriggerType   string         `json:"trigger_type,omitempty"`
	TriggerFilter *TriggerFilter `json:"trigger_filter,omitempty"`
	LocationID    string         `json:"location_id,omitempty"`
	Steps         []Step         `json:"steps"`
	Connections   []Connection   `json:"connections"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Step is a single node in a workflow graph. Action steps carry an
// action type resolved against the handler registry and an opaque
// configuration payload whose semantics are owned by the handler.
// Canvas coordinates are carried for the visual editor only and play no
// part in execution.
type Step struct {
	ID         uuid.UUID      `json:"id"`
	Kind       StepKind       `json:"kind"`
	ActionType string         `json:"action_type,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Label      string         `json:"label,omitempty"`
	CanvasX    float64        `json:"canvas_x"`
	CanvasY    float64        `json:"canvas_y"`
}

// Connection is a directed edge between two steps.
type Connection struct {
	FromStepID uuid.UUID      `json:"from_step_id"`
	ToStepID   uuid.UUID      `json:"to_step_id"`
	Type       ConnectionType `json:"type"`
}

// TriggerFilter holds the field-match clauses evaluated against an
// inbound event payload. All clauses must pass for a workflow to fire
// (clauses are conjunctive). An expected value that is a list is a
// membership check; a nil expected value is a presence check.
type TriggerFilter struct {
	Filters map[string]any `json:"filters,omitempty"`
}
