package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadwave/automations/pkg/models"
)

// PostgresStore is the production Store implementation. The claim
// protocol relies on SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// claimers partition the pending set without blocking each other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ── Workflow definitions ──────────────────────────────────────────────

// GetWorkflow loads a workflow with its steps and connections.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, status, trigger_type, trigger_filter, location_id, created_at, updated_at
		FROM workflow WHERE id = $1`, id.String())

	w, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := s.loadGraph(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWorkflows returns all workflows without their step graphs.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, status, trigger_type, trigger_filter, location_id, created_at, updated_at
		FROM workflow ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// ListPublishedByTrigger returns published workflows for a trigger type,
// graphs included, since the matcher hands them straight to the runner.
func (s *PostgresStore) ListPublishedByTrigger(ctx context.Context, triggerType string) ([]*models.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, status, trigger_type, trigger_filter, location_id, created_at, updated_at
		FROM workflow
		WHERE status = 'published' AND trigger_type = $1
		ORDER BY created_at ASC`, triggerType)
	if err != nil {
		return nil, fmt.Errorf("list published workflows: %w", err)
	}
	defer rows.Close()

	workflows, err := collectWorkflows(rows)
	if err != nil {
		return nil, err
	}
	for _, w := range workflows {
		if err := s.loadGraph(ctx, w); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// SaveWorkflow inserts or replaces a workflow definition together with
// its steps and connections in one transaction.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = models.WorkflowStatusDraft
	}

	var filter []byte
	if w.TriggerFilter != nil {
		var err error
		filter, err = json.Marshal(w.TriggerFilter)
		if err != nil {
			return fmt.Errorf("save workflow: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save workflow: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow (id, name, description, status, trigger_type, trigger_filter, location_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			trigger_type = EXCLUDED.trigger_type,
			trigger_filter = EXCLUDED.trigger_filter,
			location_id = EXCLUDED.location_id,
			updated_at = EXCLUDED.updated_at`,
		w.ID.String(), w.Name, w.Description, string(w.Status),
		w.TriggerType, filter, w.LocationID, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM workflow_step WHERE workflow_id = $1`, w.ID.String()); err != nil {
		return fmt.Errorf("save workflow: clear steps: %w", err)
	}
	if _, err = tx.Exec(ctx, `DELETE FROM workflow_connection WHERE workflow_id = $1`, w.ID.String()); err != nil {
		return fmt.Errorf("save workflow: clear connections: %w", err)
	}

	for i := range w.Steps {
		step := &w.Steps[i]
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		cfg, cfgErr := marshalJSON(step.Config)
		if cfgErr != nil {
			return fmt.Errorf("save workflow: step config: %w", cfgErr)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_step (id, workflow_id, position, kind, action_type, config, label, canvas_x, canvas_y)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			step.ID.String(), w.ID.String(), i, string(step.Kind),
			step.ActionType, cfg, step.Label, step.CanvasX, step.CanvasY,
		)
		if err != nil {
			return fmt.Errorf("save workflow: insert step: %w", err)
		}
	}

	for _, conn := range w.Connections {
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_connection (workflow_id, from_step_id, to_step_id, conn_type)
			VALUES ($1, $2, $3, $4)`,
			w.ID.String(), conn.FromStepID.String(), conn.ToStepID.String(), string(conn.Type),
		)
		if err != nil {
			return fmt.Errorf("save workflow: insert connection: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save workflow: commit: %w", err)
	}
	return nil
}

// SetWorkflowStatus updates only the publish state.
func (s *PostgresStore) SetWorkflowStatus(ctx context.Context, id uuid.UUID, status models.WorkflowStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow SET status = $2, updated_at = NOW() WHERE id = $1`,
		id.String(), string(status))
	if err != nil {
		return fmt.Errorf("set workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkflow removes a definition. Refused while dispatches are
// still mid-flight so in-flight executions never lose the steps they
// reference.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	var inFlight int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_dispatch
		WHERE workflow_id = $1 AND status IN ('pending', 'claimed', 'running', 'delayed')`,
		id.String()).Scan(&inFlight)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if inFlight > 0 {
		return ErrWorkflowInUse
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) loadGraph(ctx context.Context, w *models.Workflow) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, action_type, config, label, canvas_x, canvas_y
		FROM workflow_step WHERE workflow_id = $1 ORDER BY position ASC`, w.ID.String())
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	w.Steps = nil
	for rows.Next() {
		var (
			step  models.Step
			idStr string
			kind  string
			cfg   []byte
		)
		if err := rows.Scan(&idStr, &kind, &step.ActionType, &cfg, &step.Label, &step.CanvasX, &step.CanvasY); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		step.ID, err = uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("parse step id %q: %w", idStr, err)
		}
		step.Kind = models.StepKind(kind)
		if step.Config, err = unmarshalMap(cfg); err != nil {
			return fmt.Errorf("step config: %w", err)
		}
		w.Steps = append(w.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate steps: %w", err)
	}

	connRows, err := s.pool.Query(ctx, `
		SELECT from_step_id, to_step_id, conn_type
		FROM workflow_connection WHERE workflow_id = $1`, w.ID.String())
	if err != nil {
		return fmt.Errorf("load connections: %w", err)
	}
	defer connRows.Close()

	w.Connections = nil
	for connRows.Next() {
		var fromStr, toStr, connType string
		if err := connRows.Scan(&fromStr, &toStr, &connType); err != nil {
			return fmt.Errorf("scan connection: %w", err)
		}
		from, err := uuid.Parse(fromStr)
		if err != nil {
			return fmt.Errorf("parse connection from id: %w", err)
		}
		to, err := uuid.Parse(toStr)
		if err != nil {
			return fmt.Errorf("parse connection to id: %w", err)
		}
		w.Connections = append(w.Connections, models.Connection{
			FromStepID: from,
			ToStepID:   to,
			Type:       models.ConnectionType(connType),
		})
	}
	return connRows.Err()
}

// ── Dispatch queue ────────────────────────────────────────────────────

// Enqueue appends a pending dispatch row.
func (s *PostgresStore) Enqueue(ctx context.Context, workflowID uuid.UUID, triggerData map[string]any) (*models.Dispatch, error) {
	data, err := marshalJSON(triggerData)
	if err != nil {
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}

	d := &models.Dispatch{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		Status:      models.DispatchStatusPending,
		TriggerData: triggerData,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_dispatch (id, workflow_id, status, trigger_data, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID.String(), workflowID.String(), string(d.Status), data, d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}
	return d, nil
}

// GetDispatch retrieves a dispatch by id. A simple read, safe at any
// lifecycle stage.
func (s *PostgresStore) GetDispatch(ctx context.Context, id uuid.UUID) (*models.Dispatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, status, trigger_data, claimed_by, claimed_at,
		       attempts, resume_step_id, resume_at, last_error, created_at, completed_at
		FROM workflow_dispatch WHERE id = $1`, id.String())

	d, err := scanDispatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	return d, nil
}

// Claim atomically claims up to batch runnable dispatches, oldest first.
// The locking read skips rows already locked by a concurrent claimer, so
// racing workers partition the pending set instead of colliding.
func (s *PostgresStore) Claim(ctx context.Context, workerID string, batch int) ([]*models.Dispatch, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE workflow_dispatch
			SET status = 'claimed', claimed_by = $1, claimed_at = NOW(), attempts = attempts + 1
			WHERE id IN (
				SELECT id FROM workflow_dispatch
				WHERE status = 'pending'
				   OR (status = 'delayed' AND resume_at <= NOW())
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING id, workflow_id, status, trigger_data, claimed_by, claimed_at,
			          attempts, resume_step_id, resume_at, last_error, created_at, completed_at
		)
		SELECT * FROM claimed ORDER BY created_at ASC`,
		workerID, batch,
	)
	if err != nil {
		return nil, fmt.Errorf("claim dispatches: %w", err)
	}
	defer rows.Close()
	return collectDispatches(rows)
}

// MarkRunning transitions a claimed dispatch to running.
func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_dispatch SET status = 'running' WHERE id = $1 AND status = 'claimed'`,
		id.String())
	if err != nil {
		return fmt.Errorf("mark dispatch running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete writes a terminal status. The resume fields are cleared so a
// later requeue starts from the trigger step again.
func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, status models.DispatchStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_dispatch
		SET status = $2, last_error = $3, completed_at = NOW(),
		    resume_step_id = NULL, resume_at = NULL
		WHERE id = $1`,
		id.String(), string(status), lastError)
	if err != nil {
		return fmt.Errorf("complete dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Suspend parks a dispatch until its resume time. The claim is released
// so any worker, not just the suspending one, may pick it back up.
func (s *PostgresStore) Suspend(ctx context.Context, id uuid.UUID, resumeStepID uuid.UUID, resumeAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_dispatch
		SET status = 'delayed', resume_step_id = $2, resume_at = $3,
		    claimed_by = '', claimed_at = NULL
		WHERE id = $1`,
		id.String(), resumeStepID.String(), resumeAt.UTC())
	if err != nil {
		return fmt.Errorf("suspend dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue returns a failed dispatch to pending.
func (s *PostgresStore) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_dispatch
		SET status = 'pending', last_error = '', claimed_by = '', claimed_at = NULL,
		    completed_at = NULL, resume_step_id = NULL, resume_at = NULL
		WHERE id = $1 AND status = 'failed'`,
		id.String())
	if err != nil {
		return fmt.Errorf("requeue dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetDispatch(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotRequeueable
	}
	return nil
}

// ReclaimStale requeues dispatches stuck in claimed or running past the
// threshold and returns them for operator-visible logging.
func (s *PostgresStore) ReclaimStale(ctx context.Context, threshold time.Duration) ([]*models.Dispatch, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE workflow_dispatch
		SET status = 'pending', claimed_by = '', claimed_at = NULL
		WHERE status IN ('claimed', 'running')
		  AND claimed_at IS NOT NULL
		  AND claimed_at < NOW() - make_interval(secs => $1)
		RETURNING id, workflow_id, status, trigger_data, claimed_by, claimed_at,
		          attempts, resume_step_id, resume_at, last_error, created_at, completed_at`,
		threshold.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale dispatches: %w", err)
	}
	defer rows.Close()
	return collectDispatches(rows)
}

// ListDispatches returns dispatches oldest first, filtered by status
// when one is given.
func (s *PostgresStore) ListDispatches(ctx context.Context, status models.DispatchStatus, limit int) ([]*models.Dispatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, status, trigger_data, claimed_by, claimed_at,
		       attempts, resume_step_id, resume_at, last_error, created_at, completed_at
		FROM workflow_dispatch WHERE ($1 = '' OR status = $1)
		ORDER BY created_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()
	return collectDispatches(rows)
}

// ── Step traces ───────────────────────────────────────────────────────

// AppendTrace appends one step execution record.
func (s *PostgresStore) AppendTrace(ctx context.Context, trace *models.StepTrace) error {
	if trace.ID == uuid.Nil {
		trace.ID = uuid.New()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}
	output, err := marshalJSON(trace.Output)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_step_trace (id, dispatch_id, step_id, seq, outcome, output, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		trace.ID.String(), trace.DispatchID.String(), trace.StepID.String(),
		trace.Seq, string(trace.Outcome), output, trace.Error, trace.DurationMS, trace.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// ListTraces returns the ordered trace for one dispatch.
func (s *PostgresStore) ListTraces(ctx context.Context, dispatchID uuid.UUID) ([]*models.StepTrace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dispatch_id, step_id, seq, outcome, output, error, duration_ms, created_at
		FROM workflow_step_trace WHERE dispatch_id = $1 ORDER BY seq ASC`,
		dispatchID.String())
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var traces []*models.StepTrace
	for rows.Next() {
		var (
			t               models.StepTrace
			idStr, dispStr  string
			stepStr, outStr string
			output          []byte
		)
		if err := rows.Scan(&idStr, &dispStr, &stepStr, &t.Seq, &outStr, &output, &t.Error, &t.DurationMS, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if t.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse trace id: %w", err)
		}
		if t.DispatchID, err = uuid.Parse(dispStr); err != nil {
			return nil, fmt.Errorf("parse trace dispatch id: %w", err)
		}
		if t.StepID, err = uuid.Parse(stepStr); err != nil {
			return nil, fmt.Errorf("parse trace step id: %w", err)
		}
		t.Outcome = models.StepOutcome(outStr)
		if t.Output, err = unmarshalMap(output); err != nil {
			return nil, fmt.Errorf("trace output: %w", err)
		}
		traces = append(traces, &t)
	}
	return traces, rows.Err()
}

// ── Scan helpers ──────────────────────────────────────────────────────

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		w      models.Workflow
		idStr  string
		status string
		filter []byte
	)
	err := row.Scan(&idStr, &w.Name, &w.Description, &status, &w.TriggerType,
		&filter, &w.LocationID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if w.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse workflow id %q: %w", idStr, err)
	}
	w.Status = models.WorkflowStatus(status)
	if len(filter) > 0 && string(filter) != "null" {
		var tf models.TriggerFilter
		if err := json.Unmarshal(filter, &tf); err != nil {
			return nil, fmt.Errorf("trigger filter: %w", err)
		}
		w.TriggerFilter = &tf
	}
	return &w, nil
}

func collectWorkflows(rows pgx.Rows) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return workflows, nil
}

func scanDispatch(row pgx.Row) (*models.Dispatch, error) {
	var (
		d          models.Dispatch
		idStr      string
		wfStr      string
		status     string
		data       []byte
		resumeStep *string
	)
	err := row.Scan(&idStr, &wfStr, &status, &data, &d.ClaimedBy, &d.ClaimedAt,
		&d.Attempts, &resumeStep, &d.ResumeAt, &d.LastError, &d.CreatedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	if d.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse dispatch id %q: %w", idStr, err)
	}
	if d.WorkflowID, err = uuid.Parse(wfStr); err != nil {
		return nil, fmt.Errorf("parse dispatch workflow id %q: %w", wfStr, err)
	}
	d.Status = models.DispatchStatus(status)
	if d.TriggerData, err = unmarshalMap(data); err != nil {
		return nil, fmt.Errorf("trigger data: %w", err)
	}
	if resumeStep != nil {
		parsed, parseErr := uuid.Parse(*resumeStep)
		if parseErr != nil {
			return nil, fmt.Errorf("parse resume step id %q: %w", *resumeStep, parseErr)
		}
		d.ResumeStepID = &parsed
	}
	return &d, nil
}

func collectDispatches(rows pgx.Rows) ([]*models.Dispatch, error) {
	var dispatches []*models.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return dispatches, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
