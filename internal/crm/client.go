// Package crm is the narrow contract to the CRM domain that action
// handlers call. The CRM itself (contacts, conversations, pipelines) is
// owned elsewhere; handlers assume at-least-once invocation and the CRM
// is expected to tolerate it.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client is the surface the action handlers need.
type Client interface {
	SendSMS(ctx context.Context, contactID, message string) (map[string]any, error)
	SendEmail(ctx context.Context, contactID, subject, body string) (map[string]any, error)
	AddTag(ctx context.Context, contactID, tag string) (map[string]any, error)
	RemoveTag(ctx context.Context, contactID, tag string) (map[string]any, error)
	MoveOpportunity(ctx context.Context, opportunityID, stageID string) (map[string]any, error)
	CreateTask(ctx context.Context, contactID, title, dueDate, description string) (map[string]any, error)
	UpdateCustomField(ctx context.Context, contactID, fieldKey string, value any) (map[string]any, error)
}

// HTTPClient is an HTTP implementation of the Client interface.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, client: http.DefaultClient}
}

func (c *HTTPClient) SendSMS(ctx context.Context, contactID, message string) (map[string]any, error) {
	return c.post(ctx, "/conversations/messages", map[string]any{
		"type":      "SMS",
		"contactId": contactID,
		"message":   message,
	})
}

func (c *HTTPClient) SendEmail(ctx context.Context, contactID, subject, body string) (map[string]any, error) {
	return c.post(ctx, "/conversations/messages", map[string]any{
		"type":      "Email",
		"contactId": contactID,
		"subject":   subject,
		"body":      body,
	})
}

func (c *HTTPClient) AddTag(ctx context.Context, contactID, tag string) (map[string]any, error) {
	return c.post(ctx, fmt.Sprintf("/contacts/%s/tags", contactID), map[string]any{
		"tags": []string{tag},
	})
}

func (c *HTTPClient) RemoveTag(ctx context.Context, contactID, tag string) (map[string]any, error) {
	return c.post(ctx, fmt.Sprintf("/contacts/%s/tags/remove", contactID), map[string]any{
		"tags": []string{tag},
	})
}

func (c *HTTPClient) MoveOpportunity(ctx context.Context, opportunityID, stageID string) (map[string]any, error) {
	return c.post(ctx, fmt.Sprintf("/opportunities/%s/stage", opportunityID), map[string]any{
		"stageId": stageID,
	})
}

func (c *HTTPClient) CreateTask(ctx context.Context, contactID, title, dueDate, description string) (map[string]any, error) {
	return c.post(ctx, fmt.Sprintf("/contacts/%s/tasks", contactID), map[string]any{
		"title":       title,
		"dueDate":     dueDate,
		"description": description,
	})
}

func (c *HTTPClient) UpdateCustomField(ctx context.Context, contactID, fieldKey string, value any) (map[string]any, error) {
	return c.post(ctx, fmt.Sprintf("/contacts/%s", contactID), map[string]any{
		"customFields": map[string]any{fieldKey: value},
	})
}

func (c *HTTPClient) post(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("crm request %s: status code %d", path, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Some endpoints answer with an empty body.
		return map[string]any{}, nil
	}
	return out, nil
}
