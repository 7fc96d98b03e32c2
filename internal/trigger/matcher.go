// Package trigger decides which workflows an inbound event should fire
// and appends one dispatch per match to the queue.
package trigger

import (
	"context"
	"log/slog"
	"reflect"
	"strings"

	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/pkg/models"
)

// TriggerTypes is the set of recognized trigger type names.
var TriggerTypes = map[string]bool{
	"manual":                    true,
	"webhook":                   true,
	"contact_created":           true,
	"tag_added":                 true,
	"tag_removed":               true,
	"opportunity_stage_changed": true,
	"form_submitted":            true,
	"time_based":                true,
}

// externalEventMap maps upstream CRM webhook event names to internal
// trigger types.
var externalEventMap = map[string]string{
	"ContactCreate":          "contact_created",
	"ContactTagUpdate":       "tag_added",
	"OpportunityStageUpdate": "opportunity_stage_changed",
	"FormSubmission":         "form_submitted",
}

// MapExternalEvent translates an upstream CRM event name to the
// internal trigger type. Unknown names yield "".
func MapExternalEvent(eventType string) string {
	return externalEventMap[eventType]
}

// Event is a normalized inbound event. Authorization happens before an
// event reaches the matcher; matching itself is side-effect-free apart
// from the dispatches it enqueues.
type Event struct {
	Type       string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	LocationID string         `json:"location_id,omitempty"`
}

// Matcher evaluates events against published workflow trigger filters.
type Matcher struct {
	definitions repository.DefinitionStore
	dispatches  repository.DispatchStore
	logger      *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(definitions repository.DefinitionStore, dispatches repository.DispatchStore, logger *slog.Logger) *Matcher {
	return &Matcher{definitions: definitions, dispatches: dispatches, logger: logger}
}

// Fire finds all published workflows matching the event and enqueues
// one dispatch per match. A single event may fire several workflows
// independently.
func (m *Matcher) Fire(ctx context.Context, ev Event) ([]*models.Dispatch, error) {
	workflows, err := m.definitions.ListPublishedByTrigger(ctx, ev.Type)
	if err != nil {
		return nil, err
	}

	var enqueued []*models.Dispatch
	for _, w := range workflows {
		if w.LocationID != "" && ev.LocationID != "" && w.LocationID != ev.LocationID {
			continue
		}
		if !MatchesFilter(w.TriggerFilter, ev.Payload) {
			continue
		}

		d, err := m.dispatches.Enqueue(ctx, w.ID, ev.Payload)
		if err != nil {
			return enqueued, err
		}
		m.logger.Info("trigger matched",
			slog.String("workflow_id", w.ID.String()),
			slog.String("workflow_name", w.Name),
			slog.String("event_type", ev.Type),
			slog.String("dispatch_id", d.ID.String()),
		)
		enqueued = append(enqueued, d)
	}
	return enqueued, nil
}

// MatchesFilter checks the event payload against a workflow's trigger
// filter. Clauses are conjunctive: all must pass. A nil or empty filter
// matches anything. A clause whose field is malformed or missing fails
// only that workflow's match, never the whole event.
func MatchesFilter(filter *models.TriggerFilter, payload map[string]any) bool {
	if filter == nil || len(filter.Filters) == 0 {
		return true
	}

	for field, expected := range filter.Filters {
		actual := lookup(payload, field)

		switch exp := expected.(type) {
		case nil:
			// Presence check.
			if actual == nil {
				return false
			}
		case []any:
			// Membership check.
			found := false
			for _, candidate := range exp {
				if equalValue(actual, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if !equalValue(actual, expected) {
				return false
			}
		}
	}
	return true
}

// lookup resolves a possibly-dotted field path in the payload.
func lookup(payload map[string]any, field string) any {
	var current any = payload
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// equalValue compares numerically when both sides are numbers, so a
// JSON-decoded 3 matches a configured int 3.
func equalValue(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
