package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwave/automations/internal/engine"
	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/pkg/models"
)

// fakeCRM records calls and returns a canned result.
type fakeCRM struct {
	calls []string
	fail  bool
}

func (f *fakeCRM) record(call string) (map[string]any, error) {
	if f.fail {
		return nil, errors.New("crm unavailable")
	}
	f.calls = append(f.calls, call)
	return map[string]any{"ok": true}, nil
}

func (f *fakeCRM) SendSMS(_ context.Context, contactID, message string) (map[string]any, error) {
	return f.record("sms:" + contactID + ":" + message)
}

func (f *fakeCRM) SendEmail(_ context.Context, contactID, subject, body string) (map[string]any, error) {
	return f.record("email:" + contactID + ":" + subject)
}

func (f *fakeCRM) AddTag(_ context.Context, contactID, tag string) (map[string]any, error) {
	return f.record("add_tag:" + contactID + ":" + tag)
}

func (f *fakeCRM) RemoveTag(_ context.Context, contactID, tag string) (map[string]any, error) {
	return f.record("remove_tag:" + contactID + ":" + tag)
}

func (f *fakeCRM) MoveOpportunity(_ context.Context, opportunityID, stageID string) (map[string]any, error) {
	return f.record("move:" + opportunityID + ":" + stageID)
}

func (f *fakeCRM) CreateTask(_ context.Context, contactID, title, dueDate, description string) (map[string]any, error) {
	return f.record("task:" + contactID + ":" + title)
}

func (f *fakeCRM) UpdateCustomField(_ context.Context, contactID, fieldKey string, value any) (map[string]any, error) {
	return f.record("field:" + contactID + ":" + fieldKey)
}

func testSetup(t *testing.T) (*Registry, *fakeCRM, *repository.MemoryStore, *engine.Context) {
	t.Helper()
	r := NewRegistry()
	crmClient := &fakeCRM{}
	store := repository.NewMemoryStore()
	RegisterDefaults(r, crmClient, store)
	ec := engine.NewContext(map[string]any{
		"contact": map[string]any{"id": "c-1", "first_name": "Ada"},
	})
	return r, crmClient, store, ec
}

func resolve(t *testing.T, r *Registry, name string) engine.Handler {
	t.Helper()
	h, ok := r.Resolve(name)
	require.True(t, ok, "handler %s not registered", name)
	return h
}

func TestRegisterDefaultsCoversAllActionTypes(t *testing.T) {
	r, _, _, _ := testSetup(t)

	for _, name := range []string{
		"send_sms", "send_email", "add_tag", "remove_tag",
		"move_opportunity", "create_task", "update_custom_field",
		"http_webhook", "add_to_workflow",
	} {
		_, ok := r.Resolve(name)
		assert.True(t, ok, name)
	}

	assert.NoError(t, r.ValidateActionTypes([]string{"send_sms", "add_tag"}))
	assert.Error(t, r.ValidateActionTypes([]string{"send_sms", "launch_rocket"}))
}

func TestSendSMSUsesContextContact(t *testing.T) {
	r, crmClient, _, ec := testSetup(t)

	out, err := resolve(t, r, "send_sms")(context.Background(), map[string]any{"message": "hi"}, ec)
	require.NoError(t, err)
	assert.Equal(t, "c-1", out["contact_id"])
	assert.Equal(t, []string{"sms:c-1:hi"}, crmClient.calls)
}

func TestSendSMSExplicitContactOverrides(t *testing.T) {
	r, crmClient, _, ec := testSetup(t)

	_, err := resolve(t, r, "send_sms")(context.Background(), map[string]any{
		"contact_id": "c-override", "message": "hi",
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"sms:c-override:hi"}, crmClient.calls)
}

func TestSendSMSWithoutContactErrors(t *testing.T) {
	r, _, _, _ := testSetup(t)
	empty := engine.NewContext(nil)

	_, err := resolve(t, r, "send_sms")(context.Background(), map[string]any{"message": "hi"}, empty)
	assert.Error(t, err)
}

func TestAddTagRequiresTag(t *testing.T) {
	r, crmClient, _, ec := testSetup(t)

	_, err := resolve(t, r, "add_tag")(context.Background(), map[string]any{}, ec)
	assert.Error(t, err)

	out, err := resolve(t, r, "add_tag")(context.Background(), map[string]any{"tag": "vip"}, ec)
	require.NoError(t, err)
	assert.Equal(t, "vip", out["tag"])
	assert.Equal(t, []string{"add_tag:c-1:vip"}, crmClient.calls)
}

func TestHandlerPropagatesCRMError(t *testing.T) {
	r, crmClient, _, ec := testSetup(t)
	crmClient.fail = true

	_, err := resolve(t, r, "add_tag")(context.Background(), map[string]any{"tag": "vip"}, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm unavailable")
}

func TestCreateTaskDefaultsTitle(t *testing.T) {
	r, crmClient, _, ec := testSetup(t)

	_, err := resolve(t, r, "create_task")(context.Background(), map[string]any{}, ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"task:c-1:New Task"}, crmClient.calls)
}

func TestMoveOpportunityFallsBackToContext(t *testing.T) {
	r, crmClient, _, _ := testSetup(t)
	ec := engine.NewContext(nil)
	ec.Set("opportunity", map[string]any{"id": "o-7"})

	_, err := resolve(t, r, "move_opportunity")(context.Background(), map[string]any{"stage_id": "s-2"}, ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"move:o-7:s-2"}, crmClient.calls)
}

func TestHTTPWebhookPostsJSON(t *testing.T) {
	r, _, _, ec := testSetup(t)

	var gotBody map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotHeader = req.Header.Get("X-Custom")
		_ = json.NewDecoder(req.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	out, err := resolve(t, r, "http_webhook")(context.Background(), map[string]any{
		"url":     srv.URL,
		"body":    map[string]any{"contact": "c-1"},
		"headers": map[string]any{"X-Custom": "yes"},
	}, ec)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, out["status_code"])
	assert.Equal(t, `{"received":true}`, out["response"])
	assert.Equal(t, "yes", gotHeader)
	assert.Equal(t, map[string]any{"contact": "c-1"}, gotBody)
}

func TestHTTPWebhookRequiresURL(t *testing.T) {
	r, _, _, ec := testSetup(t)
	_, err := resolve(t, r, "http_webhook")(context.Background(), map[string]any{}, ec)
	assert.Error(t, err)
}

func TestAddToWorkflowEnqueues(t *testing.T) {
	r, _, store, ec := testSetup(t)
	ctx := context.Background()

	target := &models.Workflow{
		ID:          uuid.New(),
		Name:        "nurture",
		Status:      models.WorkflowStatusPublished,
		TriggerType: "manual",
		Steps:       []models.Step{{ID: uuid.New(), Kind: models.StepKindTrigger}},
	}
	require.NoError(t, store.SaveWorkflow(ctx, target))

	out, err := resolve(t, r, "add_to_workflow")(ctx, map[string]any{
		"workflow_id": target.ID.String(),
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, true, out["added"])

	dispatchID, err := uuid.Parse(out["dispatch_id"].(string))
	require.NoError(t, err)
	d, err := store.GetDispatch(ctx, dispatchID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, d.WorkflowID)
	assert.Equal(t, "add_to_workflow", d.TriggerData["enrolled_by"])
	assert.Equal(t, "c-1", d.TriggerData["contact"].(map[string]any)["id"])
}

func TestAddToWorkflowRejectsBadID(t *testing.T) {
	r, _, _, ec := testSetup(t)
	_, err := resolve(t, r, "add_to_workflow")(context.Background(), map[string]any{
		"workflow_id": "not-a-uuid",
	}, ec)
	assert.Error(t, err)
}
