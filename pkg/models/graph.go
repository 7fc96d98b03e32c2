package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Graph validation errors.
var (
	ErrNoTriggerStep       = errors.New("models: workflow has no trigger step")
	ErrMultipleTriggers    = errors.New("models: workflow has more than one trigger step")
	ErrDuplicateStepID     = errors.New("models: duplicate step id")
	ErrDanglingConnection  = errors.New("models: connection references unknown step")
	ErrDuplicateConnection = errors.New("models: step has more than one outgoing connection of the same type")
	ErrBranchOnNonCondition = errors.New("models: branch connection from a non-condition step")
	ErrNextOnCondition     = errors.New("models: next connection from a condition step")
	ErrGraphCycle          = errors.New("models: workflow graph contains a cycle")
)

// Graph is an execution-time view of a workflow definition: an arena of
// steps indexed by id with outgoing connections as per-type edge maps.
// It is built once per dispatch and read-only afterwards.
type Graph struct {
	steps map[uuid.UUID]*Step
	edges map[uuid.UUID]map[ConnectionType]uuid.UUID
	start uuid.UUID
}

// NewGraph builds the step arena for a workflow. It fails on structural
// breakage that would make traversal ambiguous: duplicate step ids,
// connections referencing unknown steps, duplicate outgoing connections
// of the same type, or a missing/non-unique trigger step. Acyclicity is
// not checked here; see Validate.
func NewGraph(w *Workflow) (*Graph, error) {
	g := &Graph{
		steps: make(map[uuid.UUID]*Step, len(w.Steps)),
		edges: make(map[uuid.UUID]map[ConnectionType]uuid.UUID),
	}

	var triggers int
	for i := range w.Steps {
		step := &w.Steps[i]
		if _, seen := g.steps[step.ID]; seen {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}
		g.steps[step.ID] = step
		if step.Kind == StepKindTrigger {
			triggers++
			g.start = step.ID
		}
	}
	if triggers == 0 {
		return nil, ErrNoTriggerStep
	}
	if triggers > 1 {
		return nil, ErrMultipleTriggers
	}

	for _, conn := range w.Connections {
		if _, ok := g.steps[conn.FromStepID]; !ok {
			return nil, fmt.Errorf("%w: from %s", ErrDanglingConnection, conn.FromStepID)
		}
		if _, ok := g.steps[conn.ToStepID]; !ok {
			return nil, fmt.Errorf("%w: to %s", ErrDanglingConnection, conn.ToStepID)
		}
		out := g.edges[conn.FromStepID]
		if out == nil {
			out = make(map[ConnectionType]uuid.UUID)
			g.edges[conn.FromStepID] = out
		}
		if _, dup := out[conn.Type]; dup {
			return nil, fmt.Errorf("%w: step %s type %s", ErrDuplicateConnection, conn.FromStepID, conn.Type)
		}
		out[conn.Type] = conn.ToStepID
	}

	return g, nil
}

// Start returns the unique trigger step.
func (g *Graph) Start() *Step { return g.steps[g.start] }

// Step returns the step with the given id.
func (g *Graph) Step(id uuid.UUID) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Next returns the step reached by following the outgoing connection of
// the given type, if one exists.
func (g *Graph) Next(from uuid.UUID, t ConnectionType) (*Step, bool) {
	out, ok := g.edges[from]
	if !ok {
		return nil, false
	}
	to, ok := out[t]
	if !ok {
		return nil, false
	}
	return g.steps[to], true
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int { return len(g.steps) }

// Validate enforces the full authoring-time invariants: branch
// connections only leave condition steps, next connections only leave
// non-condition steps, and the graph is acyclic (Kahn's algorithm).
// Cycles are also guarded at run time by the runner's visited set; the
// two layers back each other up since a definition can be saved before
// it passes validation.
func (g *Graph) Validate() error {
	for from, out := range g.edges {
		step := g.steps[from]
		for t := range out {
			switch t {
			case ConnectionTrueBranch, ConnectionFalseBranch:
				if step.Kind != StepKindCondition {
					return fmt.Errorf("%w: step %s", ErrBranchOnNonCondition, from)
				}
			case ConnectionNext:
				if step.Kind == StepKindCondition {
					return fmt.Errorf("%w: step %s", ErrNextOnCondition, from)
				}
			}
		}
	}

	indegree := make(map[uuid.UUID]int, len(g.steps))
	for id := range g.steps {
		indegree[id] = 0
	}
	for _, out := range g.edges {
		for _, to := range out {
			indegree[to]++
		}
	}

	queue := make([]uuid.UUID, 0, len(g.steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range g.edges[id] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited != len(g.steps) {
		return ErrGraphCycle
	}
	return nil
}

// ValidateWorkflow builds the graph for a workflow and runs full
// validation. It is the check run when a definition is published.
func ValidateWorkflow(w *Workflow) error {
	g, err := NewGraph(w)
	if err != nil {
		return err
	}
	return g.Validate()
}
