package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/pkg/models"
)

// ErrCycleDetected distinguishes a graph safety abort from ordinary
// handler failures.
var ErrCycleDetected = errors.New("engine: cycle detected")

// Handler is one side-effecting action invoked by the runner. New action
// types are added by registering a name; the runner never changes.
type Handler func(ctx context.Context, config map[string]any, ec *Context) (map[string]any, error)

// HandlerResolver resolves an action type name to its handler.
type HandlerResolver interface {
	Resolve(actionType string) (Handler, bool)
}

// Suspension is the persisted continuation produced by a delay step:
// where to pick the walk back up and when the dispatch becomes claimable
// again. Any worker may resume it.
type Suspension struct {
	ResumeStepID uuid.UUID
	ResumeAt     time.Time
}

// Result is the outcome of one runner pass over a dispatch. Exactly one
// of Status (terminal) or Suspension is set.
type Result struct {
	Status       models.DispatchStatus
	Suspension   *Suspension
	LastError    string
	StepsVisited int
}

// Runner walks a workflow graph for one dispatch: single active path,
// one step at a time, recording every visited step in the trace.
type Runner struct {
	handlers HandlerResolver
	traces   repository.TraceStore
	logger   *slog.Logger

	// Now is the runner's clock; overridable in tests.
	Now func() time.Time
}

// NewRunner creates a workflow runner.
func NewRunner(handlers HandlerResolver, traces repository.TraceStore, logger *slog.Logger) *Runner {
	return &Runner{
		handlers: handlers,
		traces:   traces,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one pass over the dispatch's workflow graph: from the
// trigger step for a fresh dispatch, or from the persisted resume
// pointer after a delay suspension. The returned error reports storage
// problems only; workflow-level failures land in Result.
func (r *Runner) Run(ctx context.Context, d *models.Dispatch, w *models.Workflow) (*Result, error) {
	graph, err := models.NewGraph(w)
	if err != nil {
		// A broken definition fails the dispatch, not the worker.
		return &Result{Status: models.DispatchStatusFailed, LastError: err.Error()}, nil
	}

	ec := NewContext(d.TriggerData)

	var step *models.Step
	if d.ResumeStepID != nil {
		resumed, ok := graph.Step(*d.ResumeStepID)
		if !ok {
			return &Result{
				Status:    models.DispatchStatusFailed,
				LastError: fmt.Sprintf("resume step %s no longer exists", d.ResumeStepID),
			}, nil
		}
		step = resumed
	} else {
		step = graph.Start()
	}

	// Continue trace numbering across delay suspensions.
	existing, err := r.traces.ListTraces(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load existing trace: %w", err)
	}
	seq := len(existing)

	visited := make(map[uuid.UUID]bool, graph.Len())
	result := &Result{}

	for step != nil {
		if visited[step.ID] {
			msg := fmt.Sprintf("cycle detected at step %s", step.ID)
			if err := r.appendTrace(ctx, d.ID, step.ID, &seq, models.StepOutcomeError, nil, msg, 0); err != nil {
				return nil, err
			}
			result.Status = models.DispatchStatusFailed
			result.LastError = fmt.Sprintf("%v: step %s", ErrCycleDetected, step.ID)
			return result, nil
		}
		visited[step.ID] = true
		result.StepsVisited++

		switch step.Kind {
		case models.StepKindTrigger:
			// The entry point is implicit; recorded as skipped.
			if err := r.appendTrace(ctx, d.ID, step.ID, &seq, models.StepOutcomeSkipped, nil, "", 0); err != nil {
				return nil, err
			}
			step = r.follow(graph, step.ID, models.ConnectionNext)

		case models.StepKindCondition:
			resolved := ec.ResolveConfig(step.Config)
			branch := EvaluateCondition(resolved, ec)
			output := map[string]any{"branch": branch}
			connType := models.ConnectionFalseBranch
			if branch {
				connType = models.ConnectionTrueBranch
			}
			next, ok := graph.Next(step.ID, connType)
			if !ok {
				// A dead-end branch is not an error.
				if err := r.appendTrace(ctx, d.ID, step.ID, &seq, models.StepOutcomeSkipped, output, "", 0); err != nil {
					return nil, err
				}
				result.Status = models.DispatchStatusSucceeded
				return result, nil
			}
			if err := r.appendTrace(ctx, d.ID, step.ID, &seq, models.StepOutcomeSuccess, output, "", 0); err != nil {
				return nil, err
			}
			ec.SetStepOutput(step.ID.String(), output)
			step = next

		case models.StepKindDelay:
			duration := delayDuration(step.Config)
			output := map[string]any{"delay_seconds": int64(duration.Seconds())}
			if err := r.appendTrace(ctx, d.ID, step.ID, &seq, models.StepOutcomeSuccess, output, "", 0); err != nil {
				return nil, err
			}
			next := r.follow(graph, step.ID, models.ConnectionNext)
			if next == nil {
				result.Status = models.DispatchStatusSucceeded
				return result, nil
			}
			if duration <= 0 {
				step = next
				continue
			}
			// Persist the continuation instead of blocking the worker.
			result.Suspension = &Suspension{
				ResumeStepID: next.ID,
				ResumeAt:     r.Now().Add(duration),
			}
			return result, nil

		case models.StepKindAction:
			outcome, err := r.runAction(ctx, d, step, ec, &seq)
			if err != nil {
				return nil, err
			}
			if outcome != "" {
				result.Status = models.DispatchStatusFailed
				result.LastError = outcome
				return result, nil
			}
			step = r.follow(graph, step.ID, models.ConnectionNext)

		default:
			msg := fmt.Sprintf("unknown step kind %q", step.Kind)
			if err := r.appendTrace(ctx, d.ID, step.ID, &seq, models.StepOutcomeError, nil, msg, 0); err != nil {
				return nil, err
			}
			result.Status = models.DispatchStatusFailed
			result.LastError = msg
			return result, nil
		}
	}

	result.Status = models.DispatchStatusSucceeded
	return result, nil
}

// runAction invokes the step's registered handler. An empty return means
// success; otherwise the returned string is the failure message.
func (r *Runner) runAction(ctx context.Context, d *models.Dispatch, step *models.Step, ec *Context, seq *int) (string, error) {
	handler, ok := r.handlers.Resolve(step.ActionType)
	if !ok {
		msg := fmt.Sprintf("no handler registered for action %q", step.ActionType)
		if err := r.appendTrace(ctx, d.ID, step.ID, seq, models.StepOutcomeError, nil, msg, 0); err != nil {
			return "", err
		}
		return msg, nil
	}

	resolved := ec.ResolveConfig(step.Config)
	start := time.Now()
	output, handlerErr := handler(ctx, resolved, ec)
	elapsed := time.Since(start).Milliseconds()

	if handlerErr != nil {
		r.logger.Warn("action handler failed",
			slog.String("dispatch_id", d.ID.String()),
			slog.String("action_type", step.ActionType),
			slog.String("error", handlerErr.Error()),
		)
		if err := r.appendTrace(ctx, d.ID, step.ID, seq, models.StepOutcomeError, output, handlerErr.Error(), elapsed); err != nil {
			return "", err
		}
		return fmt.Sprintf("action %s: %s", step.ActionType, handlerErr.Error()), nil
	}

	if err := r.appendTrace(ctx, d.ID, step.ID, seq, models.StepOutcomeSuccess, output, "", elapsed); err != nil {
		return "", err
	}
	ec.SetStepOutput(step.ID.String(), output)
	return "", nil
}

func (r *Runner) follow(graph *models.Graph, from uuid.UUID, t models.ConnectionType) *models.Step {
	next, ok := graph.Next(from, t)
	if !ok {
		return nil
	}
	return next
}

func (r *Runner) appendTrace(ctx context.Context, dispatchID, stepID uuid.UUID, seq *int, outcome models.StepOutcome, output map[string]any, errMsg string, durationMS int64) error {
	trace := &models.StepTrace{
		DispatchID: dispatchID,
		StepID:     stepID,
		Seq:        *seq,
		Outcome:    outcome,
		Output:     output,
		Error:      errMsg,
		DurationMS: durationMS,
		CreatedAt:  r.Now(),
	}
	*seq++
	if err := r.traces.AppendTrace(ctx, trace); err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// delayDuration computes the wait from a delay step config, which may
// carry seconds, minutes and hours in any combination.
func delayDuration(config map[string]any) time.Duration {
	var total float64
	if v, ok := toFloat(config["seconds"]); ok {
		total += v
	}
	if v, ok := toFloat(config["minutes"]); ok {
		total += v * 60
	}
	if v, ok := toFloat(config["hours"]); ok {
		total += v * 3600
	}
	return time.Duration(total * float64(time.Second))
}
