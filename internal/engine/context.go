// Package engine interprets a workflow graph for one dispatch: walking
// steps, evaluating conditions, invoking action handlers and recording a
// per-step trace.
package engine

import (
	"regexp"
	"strings"
)

var templateRe = regexp.MustCompile(`\{\{(.+?)\}\}`)

// Context holds the runtime state for one workflow execution: the
// trigger payload plus the outputs of completed steps. Step configs may
// reference any of it with {{dotted.path}} placeholders.
type Context struct {
	data map[string]any
}

// NewContext builds an execution context from trigger data. Contact data
// is lifted to the top level for convenient {{contact.x}} references.
func NewContext(triggerData map[string]any) *Context {
	data := make(map[string]any)
	if triggerData != nil {
		data["trigger"] = triggerData
		if contact, ok := triggerData["contact"]; ok {
			data["contact"] = contact
		}
	}
	return &Context{data: data}
}

// Set stores a top-level value.
func (c *Context) Set(key string, value any) { c.data[key] = value }

// Get resolves a dotted key path (e.g. "contact.first_name"). Missing
// segments yield nil.
func (c *Context) Get(key string) any {
	parts := strings.Split(key, ".")
	var current any = c.data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
		if current == nil {
			return nil
		}
	}
	return current
}

// SetStepOutput stores the output of a completed step under
// steps.<step id>.
func (c *Context) SetStepOutput(stepID string, output map[string]any) {
	steps, ok := c.data["steps"].(map[string]any)
	if !ok {
		steps = make(map[string]any)
		c.data["steps"] = steps
	}
	steps[stepID] = output
}

// ResolveTemplate replaces {{variable}} placeholders with context
// values. Unresolvable placeholders are left as-is.
func (c *Context) ResolveTemplate(text string) string {
	return templateRe.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		value := c.Get(key)
		if value == nil {
			return match
		}
		return stringify(value)
	})
}

// ResolveConfig deep-resolves all string values in a config map.
func (c *Context) ResolveConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		switch v := value.(type) {
		case string:
			resolved[key] = c.ResolveTemplate(v)
		case map[string]any:
			resolved[key] = c.ResolveConfig(v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if s, ok := item.(string); ok {
					items[i] = c.ResolveTemplate(s)
				} else {
					items[i] = item
				}
			}
			resolved[key] = items
		default:
			resolved[key] = value
		}
	}
	return resolved
}

// Snapshot returns a shallow copy of the context data, recorded on the
// dispatch when execution finishes.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
