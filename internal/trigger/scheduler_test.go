package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwave/automations/internal/logging"
	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/pkg/models"
)

func TestSchedulerRejectsBadSpec(t *testing.T) {
	store := repository.NewMemoryStore()
	s := NewScheduler(NewMatcher(store, store, logging.NewLogger("error")), logging.NewLogger("error"))
	assert.Error(t, s.Add("broken", "not a cron spec"))
	assert.NoError(t, s.Add("nightly", "0 3 * * *"))
	assert.NoError(t, s.Add("often", "@every 1m"))
}

func TestSchedulerFiresTimeBasedTriggers(t *testing.T) {
	store := repository.NewMemoryStore()
	logger := logging.NewLogger("error")

	// Workflow filtered to one schedule label plus one catch-all.
	labeled := publishWorkflow(t, store, "nightly-report", "time_based", "", map[string]any{"schedule": "fast"})
	publishWorkflow(t, store, "other-schedule", "time_based", "", map[string]any{"schedule": "slow"})
	catchall := publishWorkflow(t, store, "any-schedule", "time_based", "", nil)

	s := NewScheduler(NewMatcher(store, store, logger), logger)
	require.NoError(t, s.Add("fast", "@every 10ms"))
	s.Start()
	defer s.Stop()

	deadline := time.After(5 * time.Second)
	for {
		dispatches, err := store.ListDispatches(context.Background(), models.DispatchStatusPending, 100)
		require.NoError(t, err)
		if len(dispatches) >= 2 {
			fired := map[string]bool{}
			for _, d := range dispatches {
				fired[d.WorkflowID.String()] = true
				assert.Equal(t, "fast", d.TriggerData["schedule"])
			}
			assert.True(t, fired[labeled.ID.String()])
			assert.True(t, fired[catchall.ID.String()])
			return
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler never fired; %d dispatches", len(dispatches))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
