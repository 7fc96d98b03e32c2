package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwave/automations/internal/actions"
	"github.com/leadwave/automations/internal/crm"
	"github.com/leadwave/automations/internal/logging"
	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/internal/trigger"
	"github.com/leadwave/automations/pkg/models"
)

func newTestAPI(t *testing.T) (*echo.Echo, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	logger := logging.NewLogger("error")

	registry := actions.NewRegistry()
	actions.RegisterDefaults(registry, crm.NewHTTPClient("http://crm.invalid", "key"), store)
	matcher := trigger.NewMatcher(store, store, logger)

	e := echo.New()
	NewServer(store, matcher, registry, logger).RegisterRoutes(e, nil)
	return e, store
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func publishedWorkflow(t *testing.T, store *repository.MemoryStore) *models.Workflow {
	t.Helper()
	trigger := uuid.New()
	action := uuid.New()
	w := &models.Workflow{
		ID:          uuid.New(),
		Name:        "hooked",
		Status:      models.WorkflowStatusPublished,
		TriggerType: "webhook",
		Steps: []models.Step{
			{ID: trigger, Kind: models.StepKindTrigger},
			{ID: action, Kind: models.StepKindAction, ActionType: "add_tag", Config: map[string]any{"tag": "vip"}},
		},
		Connections: []models.Connection{
			{FromStepID: trigger, ToStepID: action, Type: models.ConnectionNext},
		},
	}
	require.NoError(t, store.SaveWorkflow(context.Background(), w))
	return w
}

func TestHealthEndpoint(t *testing.T) {
	e, _ := newTestAPI(t)
	rec := doJSON(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestWebhookEnqueuesForPublishedWorkflow(t *testing.T) {
	e, store := newTestAPI(t)
	w := publishedWorkflow(t, store)

	rec := doJSON(e, http.MethodPost, "/webhooks/"+w.ID.String(), `{"contact":{"id":"c-1"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(models.DispatchStatusPending), resp["status"])

	id, err := uuid.Parse(resp["dispatch_id"])
	require.NoError(t, err)
	d, err := store.GetDispatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, w.ID, d.WorkflowID)
	assert.Equal(t, "c-1", d.TriggerData["contact"].(map[string]any)["id"])
}

func TestWebhookRefusesUnpublishedWorkflow(t *testing.T) {
	e, store := newTestAPI(t)
	w := publishedWorkflow(t, store)
	require.NoError(t, store.SetWorkflowStatus(context.Background(), w.ID, models.WorkflowStatusPaused))

	rec := doJSON(e, http.MethodPost, "/webhooks/"+w.ID.String(), `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(e, http.MethodPost, "/webhooks/"+uuid.NewString(), `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventFansOutToMatches(t *testing.T) {
	e, store := newTestAPI(t)

	w := publishedWorkflow(t, store)
	w.TriggerType = "contact_created"
	require.NoError(t, store.SaveWorkflow(context.Background(), w))

	rec := doJSON(e, http.MethodPost, "/api/v1/events",
		`{"event_type":"ContactCreate","payload":{"contact":{"id":"c-1"}}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Matched     int      `json:"matched"`
		DispatchIDs []string `json:"dispatch_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Matched)
	assert.Len(t, resp.DispatchIDs, 1)

	rec = doJSON(e, http.MethodPost, "/api/v1/events", `{"event_type":"NotAThing","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchDetailIncludesTrace(t *testing.T) {
	e, store := newTestAPI(t)
	w := publishedWorkflow(t, store)
	ctx := context.Background()

	d, err := store.Enqueue(ctx, w.ID, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, store.AppendTrace(ctx, &models.StepTrace{
			DispatchID: d.ID,
			StepID:     w.Steps[1].ID,
			Seq:        i,
			Outcome:    models.StepOutcomeSuccess,
		}))
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/dispatches/"+d.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		ID     uuid.UUID           `json:"id"`
		Status string              `json:"status"`
		Trace  []*models.StepTrace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, d.ID, detail.ID)
	assert.Equal(t, string(models.DispatchStatusPending), detail.Status)
	require.Len(t, detail.Trace, 2)
	assert.Equal(t, 0, detail.Trace[0].Seq)
}

func TestRequeueEndpointRules(t *testing.T) {
	e, store := newTestAPI(t)
	w := publishedWorkflow(t, store)
	ctx := context.Background()

	d, err := store.Enqueue(ctx, w.ID, nil)
	require.NoError(t, err)

	// Pending is not requeueable.
	rec := doJSON(e, http.MethodPost, "/api/v1/dispatches/"+d.ID.String()+"/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = store.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, d.ID))
	require.NoError(t, store.Complete(ctx, d.ID, models.DispatchStatusFailed, "boom"))

	rec = doJSON(e, http.MethodPost, "/api/v1/dispatches/"+d.ID.String()+"/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetDispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusPending, got.Status)
}

func TestPublishValidatesGraphAndActions(t *testing.T) {
	e, store := newTestAPI(t)
	ctx := context.Background()

	// A draft with an unregistered action type cannot be published.
	bad := publishedWorkflow(t, store)
	bad.Status = models.WorkflowStatusDraft
	bad.Steps[1].ActionType = "launch_rocket"
	require.NoError(t, store.SaveWorkflow(ctx, bad))

	rec := doJSON(e, http.MethodPost, "/api/v1/workflows/"+bad.ID.String()+"/publish", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A structurally broken graph is refused too.
	cyclic := publishedWorkflow(t, store)
	cyclic.Status = models.WorkflowStatusDraft
	cyclic.Connections = append(cyclic.Connections, models.Connection{
		FromStepID: cyclic.Steps[1].ID, ToStepID: cyclic.Steps[1].ID, Type: models.ConnectionNext,
	})
	require.NoError(t, store.SaveWorkflow(ctx, cyclic))

	rec = doJSON(e, http.MethodPost, "/api/v1/workflows/"+cyclic.ID.String()+"/publish", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A valid draft publishes.
	good := publishedWorkflow(t, store)
	good.Status = models.WorkflowStatusDraft
	require.NoError(t, store.SaveWorkflow(ctx, good))

	rec = doJSON(e, http.MethodPost, "/api/v1/workflows/"+good.ID.String()+"/publish", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetWorkflow(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPublished, got.Status)
}

func TestPutWorkflowRefusesEditingPublished(t *testing.T) {
	e, store := newTestAPI(t)
	w := publishedWorkflow(t, store)

	body, err := json.Marshal(w)
	require.NoError(t, err)

	rec := doJSON(e, http.MethodPut, "/api/v1/workflows", string(body))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// After pausing, the edit goes through.
	rec = doJSON(e, http.MethodPost, "/api/v1/workflows/"+w.ID.String()+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodPut, "/api/v1/workflows", string(body))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteWorkflowConflictsWhileInFlight(t *testing.T) {
	e, store := newTestAPI(t)
	w := publishedWorkflow(t, store)
	ctx := context.Background()

	d, err := store.Enqueue(ctx, w.ID, nil)
	require.NoError(t, err)

	rec := doJSON(e, http.MethodDelete, "/api/v1/workflows/"+w.ID.String(), "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = store.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, d.ID))
	require.NoError(t, store.Complete(ctx, d.ID, models.DispatchStatusSucceeded, ""))

	rec = doJSON(e, http.MethodDelete, "/api/v1/workflows/"+w.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
