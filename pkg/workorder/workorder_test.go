package workorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	active    bool
	remaining int64
}

func (f fakeSessions) SessionIsActive(sessionID string) bool { return f.active }
func (f fakeSessions) RemainingBudget(sessionID string) int64 { return f.remaining }

type fakeParents struct{ completed bool }

func (f fakeParents) IsCompleted(woID string) bool { return f.completed }

func TestPlanValidWorkOrder(t *testing.T) {
	wo, err := Plan("ses-1", 1, "ho2-agent", TypeClassify,
		InputContext{UserInput: "hello"},
		Constraints{PromptContractID: "classify-v1", TokenBudget: 500},
		"",
		fakeSessions{active: true, remaining: 1000},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "WO-ses-1-001", wo.WOID)
	assert.Equal(t, StatePlanned, wo.State)
}

func TestPlanRejectsInactiveSession(t *testing.T) {
	_, err := Plan("ses-1", 1, "ho2", TypeClassify, InputContext{}, Constraints{PromptContractID: "c", TokenBudget: 10}, "", fakeSessions{active: false}, nil)
	assert.Error(t, err)
}

func TestPlanRequiresPromptContractForLLMTypes(t *testing.T) {
	_, err := Plan("ses-1", 1, "ho2", TypeSynthesize, InputContext{}, Constraints{TokenBudget: 10}, "", fakeSessions{active: true, remaining: 100}, nil)
	assert.Error(t, err)
}

func TestPlanRequiresToolsAllowedForToolCall(t *testing.T) {
	_, err := Plan("ses-1", 1, "ho2", TypeToolCall, InputContext{}, Constraints{TokenBudget: 10}, "", fakeSessions{active: true, remaining: 100}, nil)
	assert.Error(t, err)
}

func TestPlanRejectsBudgetExceedingSessionRemaining(t *testing.T) {
	_, err := Plan("ses-1", 1, "ho2", TypeClassify, InputContext{}, Constraints{PromptContractID: "c", TokenBudget: 500}, "", fakeSessions{active: true, remaining: 100}, nil)
	assert.Error(t, err)
}

func TestPlanRejectsIncompleteParent(t *testing.T) {
	_, err := Plan("ses-1", 2, "ho2", TypeClassify, InputContext{}, Constraints{PromptContractID: "c", TokenBudget: 10}, "WO-ses-1-001", fakeSessions{active: true, remaining: 100}, fakeParents{completed: false})
	assert.Error(t, err)
}

func TestTransitionsFollowStateMachine(t *testing.T) {
	wo := &WorkOrder{State: StatePlanned}
	require.NoError(t, wo.Transition(StateDispatched))
	require.NoError(t, wo.Transition(StateExecuting))
	require.NoError(t, wo.Transition(StateCompleted))
	assert.NotNil(t, wo.CompletedAt)
}

func TestTransitionRejectsBackwardsMove(t *testing.T) {
	wo := &WorkOrder{State: StateDispatched}
	err := wo.Transition(StatePlanned)
	assert.Error(t, err)
}

func TestTransitionRejectsFromTerminalState(t *testing.T) {
	wo := &WorkOrder{State: StateCompleted}
	err := wo.Transition(StateDispatched)
	assert.Error(t, err)
}

func TestFailSetsErrorAndTransitions(t *testing.T) {
	wo := &WorkOrder{State: StateExecuting}
	err := wo.Fail("OUTPUT_INVALID", "schema mismatch", "contract violation")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, wo.State)
	assert.Equal(t, "OUTPUT_INVALID", wo.Error.Code)
}

func TestFailRejectsAlreadyTerminal(t *testing.T) {
	wo := &WorkOrder{State: StateFailed}
	err := wo.Fail("X", "Y", "Z")
	assert.Error(t, err)
}

func TestValidateExecutionChecksBudget(t *testing.T) {
	wo := &WorkOrder{Constraints: Constraints{TokenBudget: 100}, Cost: Cost{TotalTokens: 150}}
	err := wo.ValidateExecution()
	assert.Error(t, err)
}
