package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwave/automations/pkg/models"
)

func seedDispatches(t *testing.T, store *MemoryStore, n int) (uuid.UUID, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	w := &models.Workflow{Name: "q", TriggerType: "manual", Steps: []models.Step{{ID: uuid.New(), Kind: models.StepKindTrigger}}}
	require.NoError(t, store.SaveWorkflow(ctx, w))

	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		d, err := store.Enqueue(ctx, w.ID, map[string]any{"n": i})
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	return w.ID, ids
}

func TestClaimIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	const queued = 200
	const workers = 8
	seedDispatches(t, store, queued)

	var mu sync.Mutex
	seen := make(map[uuid.UUID]string)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := string(rune('a' + n))
			for {
				claimed, err := store.Claim(context.Background(), workerID, 7)
				if !assert.NoError(t, err) {
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, d := range claimed {
					prev, dup := seen[d.ID]
					assert.False(t, dup, "dispatch %s claimed by both %s and %s", d.ID, prev, workerID)
					seen[d.ID] = workerID
					assert.Equal(t, models.DispatchStatusClaimed, d.Status)
					assert.Equal(t, 1, d.Attempts)
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Every queued dispatch was claimed exactly once.
	assert.Len(t, seen, queued)
}

func TestClaimIsFIFO(t *testing.T) {
	store := NewMemoryStore()
	_, ids := seedDispatches(t, store, 5)

	claimed, err := store.Claim(context.Background(), "w1", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for i, d := range claimed {
		assert.Equal(t, ids[i], d.ID)
	}

	rest, err := store.Claim(context.Background(), "w2", 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[3], rest[0].ID)
	assert.Equal(t, ids[4], rest[1].ID)
}

func TestClaimSkipsDelayedUntilResumeTime(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	_, ids := seedDispatches(t, store, 1)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	resumeStep := uuid.New()
	require.NoError(t, store.Suspend(ctx, ids[0], resumeStep, now.Add(30*time.Minute)))

	// Before the resume time the dispatch is not claimable.
	claimed, err = store.Claim(ctx, "w2", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// After it, any worker may pick it up; the attempt counter grows.
	now = now.Add(31 * time.Minute)
	claimed, err = store.Claim(ctx, "w3", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, 2, claimed[0].Attempts)
	require.NotNil(t, claimed[0].ResumeStepID)
	assert.Equal(t, resumeStep, *claimed[0].ResumeStepID)
}

func TestRequeueOnlyFromFailed(t *testing.T) {
	store := NewMemoryStore()
	_, ids := seedDispatches(t, store, 1)
	ctx := context.Background()

	// Pending is not requeueable.
	assert.ErrorIs(t, store.Requeue(ctx, ids[0]), ErrNotRequeueable)

	_, err := store.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, ids[0]))
	require.NoError(t, store.Complete(ctx, ids[0], models.DispatchStatusFailed, "boom"))

	require.NoError(t, store.Requeue(ctx, ids[0]))
	d, err := store.GetDispatch(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusPending, d.Status)
	assert.Empty(t, d.LastError)
	assert.Empty(t, d.ClaimedBy)

	// Succeeded dispatches stay done.
	_, err = store.Claim(ctx, ids[0].String(), 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, ids[0]))
	require.NoError(t, store.Complete(ctx, ids[0], models.DispatchStatusSucceeded, ""))
	assert.ErrorIs(t, store.Requeue(ctx, ids[0]), ErrNotRequeueable)

	assert.ErrorIs(t, store.Requeue(ctx, uuid.New()), ErrNotFound)
}

func TestReclaimStale(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	_, ids := seedDispatches(t, store, 2)
	ctx := context.Background()

	// One dispatch claimed and abandoned, one claimed recently.
	claimed, err := store.Claim(ctx, "dead-worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	now = now.Add(20 * time.Minute)
	claimed, err = store.Claim(ctx, "live-worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reclaimed, err := store.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, ids[0], reclaimed[0].ID)
	assert.Equal(t, models.DispatchStatusPending, reclaimed[0].Status)

	// Reclaiming preserves the attempt count for operator forensics.
	assert.Equal(t, 1, reclaimed[0].Attempts)
}

func TestDeleteWorkflowRefusedWhileInFlight(t *testing.T) {
	store := NewMemoryStore()
	wid, ids := seedDispatches(t, store, 1)
	ctx := context.Background()

	assert.ErrorIs(t, store.DeleteWorkflow(ctx, wid), ErrWorkflowInUse)

	_, err := store.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, ids[0]))
	require.NoError(t, store.Complete(ctx, ids[0], models.DispatchStatusSucceeded, ""))

	assert.NoError(t, store.DeleteWorkflow(ctx, wid))
	assert.ErrorIs(t, store.DeleteWorkflow(ctx, wid), ErrNotFound)
}

func TestListDispatchesFilters(t *testing.T) {
	store := NewMemoryStore()
	_, ids := seedDispatches(t, store, 3)
	ctx := context.Background()

	_, err := store.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, ids[0]))
	require.NoError(t, store.Complete(ctx, ids[0], models.DispatchStatusFailed, "boom"))

	failed, err := store.ListDispatches(ctx, models.DispatchStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[0], failed[0].ID)

	all, err := store.ListDispatches(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
