package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadwave/automations/pkg/models"
)

// MemoryStore is an in-process Store used for tests and lightweight
// single-process deployments. Its claim path is the conditional-update
// fallback: transition only rows still pending and re-check each
// transition took effect. The mutex makes it exact in-process; it is not
// a substitute for the Postgres lock-and-skip protocol across processes
// and is explicitly non-production.
type MemoryStore struct {
	mu         sync.Mutex
	workflows  map[uuid.UUID]*models.Workflow
	dispatches map[uuid.UUID]*models.Dispatch
	traces     map[uuid.UUID][]*models.StepTrace

	// a monotonic tiebreak for dispatches created in the same instant
	seq     int64
	ordinal map[uuid.UUID]int64

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[uuid.UUID]*models.Workflow),
		dispatches: make(map[uuid.UUID]*models.Dispatch),
		traces:     make(map[uuid.UUID][]*models.StepTrace),
		ordinal:    make(map[uuid.UUID]int64),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Test hook for delay resume
// timing.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ── Workflow definitions ──────────────────────────────────────────────

func (s *MemoryStore) GetWorkflow(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(w), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, copyWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPublishedByTrigger(_ context.Context, triggerType string) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Workflow
	for _, w := range s.workflows {
		if w.Status == models.WorkflowStatusPublished && w.TriggerType == triggerType {
			out = append(out, copyWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := s.now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = models.WorkflowStatusDraft
	}
	for i := range w.Steps {
		if w.Steps[i].ID == uuid.Nil {
			w.Steps[i].ID = uuid.New()
		}
	}
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *MemoryStore) SetWorkflowStatus(_ context.Context, id uuid.UUID, status models.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	for _, d := range s.dispatches {
		if d.WorkflowID == id && !d.Status.Terminal() {
			return ErrWorkflowInUse
		}
	}
	delete(s.workflows, id)
	return nil
}

// ── Dispatch queue ────────────────────────────────────────────────────

func (s *MemoryStore) Enqueue(_ context.Context, workflowID uuid.UUID, triggerData map[string]any) (*models.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &models.Dispatch{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		Status:      models.DispatchStatusPending,
		TriggerData: triggerData,
		CreatedAt:   s.now(),
	}
	s.seq++
	s.ordinal[d.ID] = s.seq
	s.dispatches[d.ID] = copyDispatch(d)
	return d, nil
}

func (s *MemoryStore) GetDispatch(_ context.Context, id uuid.UUID) (*models.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispatch(d), nil
}

func (s *MemoryStore) Claim(_ context.Context, workerID string, batch int) ([]*models.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var runnable []*models.Dispatch
	for _, d := range s.dispatches {
		switch d.Status {
		case models.DispatchStatusPending:
			runnable = append(runnable, d)
		case models.DispatchStatusDelayed:
			if d.ResumeAt != nil && !d.ResumeAt.After(now) {
				runnable = append(runnable, d)
			}
		}
	}
	sort.Slice(runnable, func(i, j int) bool {
		return s.ordinal[runnable[i].ID] < s.ordinal[runnable[j].ID]
	})
	if len(runnable) > batch {
		runnable = runnable[:batch]
	}

	claimed := make([]*models.Dispatch, 0, len(runnable))
	for _, d := range runnable {
		// Conditional transition: only rows still claimable count.
		if d.Status != models.DispatchStatusPending && d.Status != models.DispatchStatusDelayed {
			continue
		}
		d.Status = models.DispatchStatusClaimed
		d.ClaimedBy = workerID
		at := now
		d.ClaimedAt = &at
		d.Attempts++
		claimed = append(claimed, copyDispatch(d))
	}
	return claimed, nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[id]
	if !ok || d.Status != models.DispatchStatusClaimed {
		return ErrNotFound
	}
	d.Status = models.DispatchStatusRunning
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id uuid.UUID, status models.DispatchStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.LastError = lastError
	at := s.now()
	d.CompletedAt = &at
	d.ResumeStepID = nil
	d.ResumeAt = nil
	return nil
}

func (s *MemoryStore) Suspend(_ context.Context, id uuid.UUID, resumeStepID uuid.UUID, resumeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = models.DispatchStatusDelayed
	step := resumeStepID
	d.ResumeStepID = &step
	at := resumeAt.UTC()
	d.ResumeAt = &at
	d.ClaimedBy = ""
	d.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) Requeue(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != models.DispatchStatusFailed {
		return ErrNotRequeueable
	}
	d.Status = models.DispatchStatusPending
	d.LastError = ""
	d.ClaimedBy = ""
	d.ClaimedAt = nil
	d.CompletedAt = nil
	d.ResumeStepID = nil
	d.ResumeAt = nil
	return nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, threshold time.Duration) ([]*models.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-threshold)
	var reclaimed []*models.Dispatch
	for _, d := range s.dispatches {
		if (d.Status == models.DispatchStatusClaimed || d.Status == models.DispatchStatusRunning) &&
			d.ClaimedAt != nil && d.ClaimedAt.Before(cutoff) {
			d.Status = models.DispatchStatusPending
			d.ClaimedBy = ""
			d.ClaimedAt = nil
			reclaimed = append(reclaimed, copyDispatch(d))
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) ListDispatches(_ context.Context, status models.DispatchStatus, limit int) ([]*models.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Dispatch
	for _, d := range s.dispatches {
		if status == "" || d.Status == status {
			out = append(out, copyDispatch(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.ordinal[out[i].ID] < s.ordinal[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Step traces ───────────────────────────────────────────────────────

func (s *MemoryStore) AppendTrace(_ context.Context, trace *models.StepTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trace.ID == uuid.Nil {
		trace.ID = uuid.New()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = s.now()
	}
	t := *trace
	s.traces[trace.DispatchID] = append(s.traces[trace.DispatchID], &t)
	return nil
}

func (s *MemoryStore) ListTraces(_ context.Context, dispatchID uuid.UUID) ([]*models.StepTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.traces[dispatchID]
	out := make([]*models.StepTrace, len(src))
	for i, t := range src {
		c := *t
		out[i] = &c
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ── Copy helpers ──────────────────────────────────────────────────────

func copyWorkflow(w *models.Workflow) *models.Workflow {
	c := *w
	c.Steps = append([]models.Step(nil), w.Steps...)
	c.Connections = append([]models.Connection(nil), w.Connections...)
	return &c
}

func copyDispatch(d *models.Dispatch) *models.Dispatch {
	c := *d
	if d.ClaimedAt != nil {
		at := *d.ClaimedAt
		c.ClaimedAt = &at
	}
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		c.CompletedAt = &at
	}
	if d.ResumeStepID != nil {
		id := *d.ResumeStepID
		c.ResumeStepID = &id
	}
	if d.ResumeAt != nil {
		at := *d.ResumeAt
		c.ResumeAt = &at
	}
	return &c
}
