// Package repository provides durable storage for workflow definitions,
// the dispatch queue and step execution traces.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leadwave/automations/pkg/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrNotRequeueable is returned when a dispatch is requeued from a
	// state other than failed.
	ErrNotRequeueable = errors.New("repository: dispatch is not in a requeueable state")
	// ErrWorkflowInUse is returned when deleting a workflow that still
	// has non-terminal dispatches referencing its steps.
	ErrWorkflowInUse = errors.New("repository: workflow has in-flight dispatches")
)

// DefinitionStore is the read/write surface for workflow definitions.
// The runner only ever reads; the authoring API is the sole writer.
type DefinitionStore interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// ListPublishedByTrigger returns published workflows whose trigger
	// type equals the given event type.
	ListPublishedByTrigger(ctx context.Context, triggerType string) ([]*models.Workflow, error)
	SaveWorkflow(ctx context.Context, w *models.Workflow) error
	SetWorkflowStatus(ctx context.Context, id uuid.UUID, status models.WorkflowStatus) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
}

// DispatchStore is the durable queue. Claim is the only way a dispatch
// moves out of pending, and it must be atomic with respect to other
// concurrent claimers: two workers racing must never both receive the
// same row.
type DispatchStore interface {
	// Enqueue appends a pending dispatch and returns it, so synchronous
	// callers have a status handle immediately.
	Enqueue(ctx context.Context, workflowID uuid.UUID, triggerData map[string]any) (*models.Dispatch, error)
	GetDispatch(ctx context.Context, id uuid.UUID) (*models.Dispatch, error)
	// Claim atomically selects up to batch claimable dispatches oldest
	// first (pending rows, plus delayed rows whose resume time has
	// elapsed), transitions them to claimed and returns them.
	Claim(ctx context.Context, workerID string, batch int) ([]*models.Dispatch, error)
	// MarkRunning transitions a claimed dispatch to running.
	MarkRunning(ctx context.Context, id uuid.UUID) error
	// Complete writes a terminal status and the last error, if any.
	Complete(ctx context.Context, id uuid.UUID, status models.DispatchStatus, lastError string) error
	// Suspend parks a dispatch in the delayed state with a persisted
	// continuation: the step to resume at and the earliest resume time.
	Suspend(ctx context.Context, id uuid.UUID, resumeStepID uuid.UUID, resumeAt time.Time) error
	// Requeue returns a failed dispatch to pending. Operator action
	// only; failed dispatches are never retried automatically.
	Requeue(ctx context.Context, id uuid.UUID) error
	// ReclaimStale requeues dispatches stuck in claimed or running
	// longer than the threshold and returns them. Used by the optional
	// reconciliation loop, never by the claim path itself.
	ReclaimStale(ctx context.Context, threshold time.Duration) ([]*models.Dispatch, error)
	ListDispatches(ctx context.Context, status models.DispatchStatus, limit int) ([]*models.Dispatch, error)
}

// TraceStore records steps visited during dispatch execution.
// Append-only; traces are never mutated.
type TraceStore interface {
	AppendTrace(ctx context.Context, trace *models.StepTrace) error
	ListTraces(ctx context.Context, dispatchID uuid.UUID) ([]*models.StepTrace, error)
}

// Store is the full storage contract implemented by both backends.
type Store interface {
	DefinitionStore
	DispatchStore
	TraceStore
}
