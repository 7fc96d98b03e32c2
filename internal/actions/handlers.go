package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadwave/automations/internal/crm"
	"github.com/leadwave/automations/internal/engine"
	"github.com/leadwave/automations/pkg/models"
)

// Enqueuer appends a dispatch for a workflow; the add_to_workflow action
// uses it to enroll a contact in another workflow.
type Enqueuer interface {
	Enqueue(ctx context.Context, workflowID uuid.UUID, triggerData map[string]any) (*models.Dispatch, error)
}

// webhookTimeout bounds outbound http_webhook calls.
const webhookTimeout = 30 * time.Second

// RegisterDefaults registers the built-in action handlers.
func RegisterDefaults(r *Registry, client crm.Client, enqueuer Enqueuer) {
	r.Register("send_sms", sendSMS(client))
	r.Register("send_email", sendEmail(client))
	r.Register("add_tag", addTag(client))
	r.Register("remove_tag", removeTag(client))
	r.Register("move_opportunity", moveOpportunity(client))
	r.Register("create_task", createTask(client))
	r.Register("update_custom_field", updateCustomField(client))
	r.Register("http_webhook", httpWebhook())
	r.Register("add_to_workflow", addToWorkflow(enqueuer))
}

func sendSMS(client crm.Client) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		contactID := contactIDFrom(config, ec)
		if contactID == "" {
			return nil, fmt.Errorf("send_sms: no contact_id available")
		}
		result, err := client.SendSMS(ctx, contactID, str(config, "message"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"sent": true, "type": "sms", "contact_id": contactID, "result": result}, nil
	}
}

func sendEmail(client crm.Client) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		contactID := contactIDFrom(config, ec)
		if contactID == "" {
			return nil, fmt.Errorf("send_email: no contact_id available")
		}
		result, err := client.SendEmail(ctx, contactID, str(config, "subject"), str(config, "body"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"sent": true, "type": "email", "contact_id": contactID, "result": result}, nil
	}
}

func addTag(client crm.Client) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		contactID := contactIDFrom(config, ec)
		tag := str(config, "tag")
		if contactID == "" || tag == "" {
			return nil, fmt.Errorf("add_tag: contact_id and tag required")
		}
		result, err := client.AddTag(ctx, contactID, tag)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tagged": true, "contact_id": contactID, "tag": tag, "result": result}, nil
	}
}

func removeTag(client crm.Client) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		contactID := contactIDFrom(config, ec)
		tag := str(config, "tag")
		if contactID == "" || tag == "" {
			return nil, fmt.Errorf("remove_tag: contact_id and tag required")
		}
		result, err := client.RemoveTag(ctx, contactID, tag)
		if err != nil {
			return nil, err
		}
		return map[string]any{"untagged": true, "contact_id": contactID, "tag": tag, "result": result}, nil
	}
}

func moveOpportunity(client crm.Client) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		opportunityID := str(config, "opportunity_id")
		if opportunityID == "" {
			opportunityID = strVal(ec.Get("opportunity.id"))
		}
		stageID := str(config, "stage_id")
		if opportunityID == "" || stageID == "" {
			return nil, fmt.Errorf("move_opportunity: opportunity_id and stage_id required")
		}
		result, err := client.MoveOpportunity(ctx, opportunityID, stageID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"moved": true, "opportunity_id": opportunityID, "stage_id": stageID, "result": result}, nil
	}
}

func createTask(client crm.Client) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		contactID := contactIDFrom(config, ec)
		if contactID == "" {
			return nil, fmt.Errorf("create_task: no contact_id available")
		}
		title := str(config, "title")
		if title == "" {
			title = "New Task"
		}
		result, err := client.CreateTask(ctx, contactID, title, str(config, "due_date"), str(config, "description"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"created": true, "type": "task", "contact_id": contactID, "result": result}, nil
	}
}

func updateCustomField(client crm.Client) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		contactID := contactIDFrom(config, ec)
		fieldKey := str(config, "field_key")
		if contactID == "" || fieldKey == "" {
			return nil, fmt.Errorf("update_custom_field: contact_id and field_key required")
		}
		result, err := client.UpdateCustomField(ctx, contactID, fieldKey, config["value"])
		if err != nil {
			return nil, err
		}
		return map[string]any{"updated": true, "contact_id": contactID, "field_key": fieldKey, "result": result}, nil
	}
}

func httpWebhook() engine.Handler {
	client := &http.Client{Timeout: webhookTimeout}
	return func(ctx context.Context, config map[string]any, _ *engine.Context) (map[string]any, error) {
		url := str(config, "url")
		if url == "" {
			return nil, fmt.Errorf("http_webhook: url required")
		}
		method := strings.ToUpper(str(config, "method"))
		if method == "" {
			method = http.MethodPost
		}

		var body io.Reader
		if method != http.MethodGet {
			payload, _ := config["body"].(map[string]any)
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("http_webhook: marshal body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("http_webhook: %w", err)
		}
		if method != http.MethodGet {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := config["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, strVal(v))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http_webhook: %w", err)
		}
		defer resp.Body.Close()

		// Keep only a bounded prefix of the response for the trace.
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return map[string]any{
			"status_code": resp.StatusCode,
			"response":    string(preview),
		}, nil
	}
}

func addToWorkflow(enqueuer Enqueuer) engine.Handler {
	return func(ctx context.Context, config map[string]any, ec *engine.Context) (map[string]any, error) {
		contactID := contactIDFrom(config, ec)
		workflowIDStr := str(config, "workflow_id")
		if contactID == "" || workflowIDStr == "" {
			return nil, fmt.Errorf("add_to_workflow: contact_id and workflow_id required")
		}
		workflowID, err := uuid.Parse(workflowIDStr)
		if err != nil {
			return nil, fmt.Errorf("add_to_workflow: invalid workflow_id: %w", err)
		}

		dispatch, err := enqueuer.Enqueue(ctx, workflowID, map[string]any{
			"contact":     map[string]any{"id": contactID},
			"enrolled_by": "add_to_workflow",
		})
		if err != nil {
			return nil, fmt.Errorf("add_to_workflow: %w", err)
		}
		return map[string]any{
			"added":       true,
			"contact_id":  contactID,
			"workflow_id": workflowIDStr,
			"dispatch_id": dispatch.ID.String(),
		}, nil
	}
}

func contactIDFrom(config map[string]any, ec *engine.Context) string {
	if id := str(config, "contact_id"); id != "" {
		return id
	}
	return strVal(ec.Get("contact.id"))
}

func str(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func strVal(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
