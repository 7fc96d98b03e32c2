package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearWorkflow() (*Workflow, []uuid.UUID) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	w := &Workflow{
		ID:   uuid.New(),
		Name: "linear",
		Steps: []Step{
			{ID: ids[0], Kind: StepKindTrigger},
			{ID: ids[1], Kind: StepKindAction, ActionType: "add_tag"},
			{ID: ids[2], Kind: StepKindAction, ActionType: "send_sms"},
		},
		Connections: []Connection{
			{FromStepID: ids[0], ToStepID: ids[1], Type: ConnectionNext},
			{FromStepID: ids[1], ToStepID: ids[2], Type: ConnectionNext},
		},
	}
	return w, ids
}

func TestNewGraphTraversal(t *testing.T) {
	w, ids := linearWorkflow()

	g, err := NewGraph(w)
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, ids[0], g.Start().ID)

	next, ok := g.Next(ids[0], ConnectionNext)
	require.True(t, ok)
	assert.Equal(t, ids[1], next.ID)

	_, ok = g.Next(ids[2], ConnectionNext)
	assert.False(t, ok)
}

func TestNewGraphRequiresExactlyOneTrigger(t *testing.T) {
	w, _ := linearWorkflow()
	w.Steps[0].Kind = StepKindAction
	_, err := NewGraph(w)
	assert.ErrorIs(t, err, ErrNoTriggerStep)

	w2, _ := linearWorkflow()
	w2.Steps[1].Kind = StepKindTrigger
	_, err = NewGraph(w2)
	assert.ErrorIs(t, err, ErrMultipleTriggers)
}

func TestNewGraphRejectsDuplicateStepID(t *testing.T) {
	w, ids := linearWorkflow()
	w.Steps[2].ID = ids[1]
	_, err := NewGraph(w)
	assert.ErrorIs(t, err, ErrDuplicateStepID)
}

func TestNewGraphRejectsDanglingConnection(t *testing.T) {
	w, ids := linearWorkflow()
	w.Connections = append(w.Connections, Connection{
		FromStepID: ids[2], ToStepID: uuid.New(), Type: ConnectionNext,
	})
	_, err := NewGraph(w)
	assert.ErrorIs(t, err, ErrDanglingConnection)
}

func TestNewGraphRejectsDuplicateOutgoingType(t *testing.T) {
	w, ids := linearWorkflow()
	w.Connections = append(w.Connections, Connection{
		FromStepID: ids[0], ToStepID: ids[2], Type: ConnectionNext,
	})
	_, err := NewGraph(w)
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestValidateBranchTypeRules(t *testing.T) {
	// true_branch leaving an action step is invalid.
	w, ids := linearWorkflow()
	w.Connections[1].Type = ConnectionTrueBranch
	err := ValidateWorkflow(w)
	assert.ErrorIs(t, err, ErrBranchOnNonCondition)

	// next leaving a condition step is invalid.
	w2, _ := linearWorkflow()
	w2.Steps[1].Kind = StepKindCondition
	err = ValidateWorkflow(w2)
	assert.ErrorIs(t, err, ErrNextOnCondition)
}

func TestValidateConditionBranches(t *testing.T) {
	trigger := uuid.New()
	cond := uuid.New()
	yes := uuid.New()
	no := uuid.New()

	w := &Workflow{
		Steps: []Step{
			{ID: trigger, Kind: StepKindTrigger},
			{ID: cond, Kind: StepKindCondition},
			{ID: yes, Kind: StepKindAction, ActionType: "send_sms"},
			{ID: no, Kind: StepKindAction, ActionType: "send_email"},
		},
		Connections: []Connection{
			{FromStepID: trigger, ToStepID: cond, Type: ConnectionNext},
			{FromStepID: cond, ToStepID: yes, Type: ConnectionTrueBranch},
			{FromStepID: cond, ToStepID: no, Type: ConnectionFalseBranch},
		},
	}
	assert.NoError(t, ValidateWorkflow(w))
}

func TestValidateDetectsCycle(t *testing.T) {
	w, ids := linearWorkflow()
	w.Connections = append(w.Connections, Connection{
		FromStepID: ids[2], ToStepID: ids[1], Type: ConnectionNext,
	})

	// Structurally fine, so the graph builds.
	g, err := NewGraph(w)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Validate(), ErrGraphCycle)
	assert.ErrorIs(t, ValidateWorkflow(w), ErrGraphCycle)
}
