// Package workorder defines the Work Order dataclass, its state machine,
// and plan/execute-time validation (C9). The strict-transition state
// machine follows the teacher's budget enforcer's fail-closed posture
// (pkg/budget/enforcer.go): any invalid transition or missing
// precondition is rejected rather than coerced.
package workorder

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// Type enumerates the kinds of work a WO can represent.
type Type string

const (
	TypeClassify  Type = "classify"
	TypeToolCall  Type = "tool_call"
	TypeSynthesize Type = "synthesize"
	TypeExecute   Type = "execute"
)

// State is a position in the WO lifecycle.
type State string

const (
	StatePlanned   State = "planned"
	StateDispatched State = "dispatched"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var validTransitions = map[State][]State{
	StatePlanned:    {StateDispatched, StateFailed},
	StateDispatched: {StateExecuting, StateFailed},
	StateExecuting:  {StateCompleted, StateFailed},
	StateCompleted:  {},
	StateFailed:     {},
}

// InputContext carries what HO2 hands HO1.
type InputContext struct {
	UserInput        string   `json:"user_input"`
	PriorResults     []string `json:"prior_results,omitempty"`
	AssembledContext string   `json:"assembled_context,omitempty"`
}

// Constraints bound how a WO may execute.
type Constraints struct {
	PromptContractID string   `json:"prompt_contract_id,omitempty"`
	TokenBudget      int64    `json:"token_budget"`
	TurnLimit        int      `json:"turn_limit"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	ToolsAllowed     []string `json:"tools_allowed,omitempty"`
}

// Cost accumulates actual resource usage.
type Cost struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	LLMCalls     int   `json:"llm_calls"`
	ToolCalls    int   `json:"tool_calls"`
	ElapsedMS    int64 `json:"elapsed_ms"`
}

// Error records why a WO failed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// WorkOrder is the C9 dataclass.
type WorkOrder struct {
	WOID         string       `json:"wo_id"`
	SessionID    string       `json:"session_id"`
	ParentWOID   string       `json:"parent_wo_id,omitempty"`
	WOType       Type         `json:"wo_type"`
	TierTarget   string       `json:"tier_target"`
	State        State        `json:"state"`
	CreatedBy    string       `json:"created_by"`
	InputContext InputContext `json:"input_context"`
	Constraints  Constraints  `json:"constraints"`
	OutputResult any          `json:"output_result,omitempty"`
	Error        *Error       `json:"error,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Cost         Cost         `json:"cost"`
}

// NewID builds a wo_id following "WO-<session_id>-<seq:03d>".
func NewID(sessionID string, seq int) string {
	return fmt.Sprintf("WO-%s-%03d", sessionID, seq)
}

// sessionLookup resolves whether a session is active and a parent WO's
// terminal status, without this package depending on pkg/session.
type sessionLookup interface {
	SessionIsActive(sessionID string) bool
	RemainingBudget(sessionID string) int64
}

type parentLookup interface {
	IsCompleted(woID string) bool
}

// Plan constructs and validates a new WorkOrder at plan time, per spec
// §4.7: wo_type must be valid, session must be active, budget must be
// positive and within remaining session budget, prompt_contract_id is
// required for LLM types, tools_allowed must be non-empty for tool_call,
// and any declared parent must already be completed.
func Plan(sessionID string, seq int, createdBy string, woType Type, input InputContext, constraints Constraints, parentWOID string, sessions sessionLookup, parents parentLookup) (*WorkOrder, error) {
	if !validType(woType) {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "INVALID_WO_TYPE", fmt.Sprintf("unknown wo_type %q", woType))
	}
	if sessions != nil && !sessions.SessionIsActive(sessionID) {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "SESSION_NOT_ACTIVE", fmt.Sprintf("session %q is not active", sessionID))
	}
	if constraints.TokenBudget <= 0 {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "INVALID_BUDGET", "token_budget must be > 0")
	}
	if sessions != nil {
		if remaining := sessions.RemainingBudget(sessionID); constraints.TokenBudget > remaining {
			return nil, kernelerrors.New(kernelerrors.KindBudgetExhausted, "BUDGET_EXCEEDS_SESSION", fmt.Sprintf("requested %d exceeds remaining session budget %d", constraints.TokenBudget, remaining))
		}
	}
	if isLLMType(woType) && constraints.PromptContractID == "" {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "PROMPT_CONTRACT_REQUIRED", fmt.Sprintf("wo_type %q requires a prompt_contract_id", woType))
	}
	if woType == TypeToolCall && len(constraints.ToolsAllowed) == 0 {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "TOOLS_ALLOWED_REQUIRED", "tool_call work orders require a non-empty tools_allowed")
	}
	if parentWOID != "" && parents != nil && !parents.IsCompleted(parentWOID) {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "PARENT_NOT_COMPLETED", fmt.Sprintf("parent work order %q is not completed", parentWOID))
	}

	return &WorkOrder{
		WOID:         NewID(sessionID, seq),
		SessionID:    sessionID,
		ParentWOID:   parentWOID,
		WOType:       woType,
		TierTarget:   "HO1",
		State:        StatePlanned,
		CreatedBy:    createdBy,
		InputContext: input,
		Constraints:  constraints,
	}, nil
}

func validType(t Type) bool {
	switch t {
	case TypeClassify, TypeToolCall, TypeSynthesize, TypeExecute:
		return true
	}
	return false
}

func isLLMType(t Type) bool {
	return t == TypeClassify || t == TypeSynthesize || t == TypeExecute
}

// Transition moves the WO to a new state, rejecting any transition not
// present in validTransitions (terminal states are immutable, and
// dispatched/executing can never move back to planned).
func (w *WorkOrder) Transition(to State) error {
	allowed := validTransitions[w.State]
	for _, s := range allowed {
		if s == to {
			w.State = to
			if to == StateCompleted || to == StateFailed {
				now := time.Now().UTC()
				w.CompletedAt = &now
			}
			return nil
		}
	}
	return kernelerrors.New(kernelerrors.KindValidation, "INVALID_TRANSITION", fmt.Sprintf("cannot transition from %q to %q", w.State, to))
}

// Fail marks the WO failed with an explicit reason, valid from any
// non-terminal state.
func (w *WorkOrder) Fail(code, message, reason string) error {
	if w.State == StateCompleted || w.State == StateFailed {
		return kernelerrors.New(kernelerrors.KindValidation, "ALREADY_TERMINAL", fmt.Sprintf("work order %q is already %q", w.WOID, w.State))
	}
	w.Error = &Error{Code: code, Message: message, Reason: reason}
	return w.Transition(StateFailed)
}

// ValidateExecution checks a proposed execution against the WO's
// constraints at execute time (turn_limit and tools_allowed are enforced
// by the caller per-call; this checks the aggregate budget).
func (w *WorkOrder) ValidateExecution() error {
	if w.Cost.TotalTokens > w.Constraints.TokenBudget {
		return kernelerrors.New(kernelerrors.KindBudgetExhausted, "TOKEN_BUDGET_EXCEEDED", fmt.Sprintf("used %d exceeds budget %d", w.Cost.TotalTokens, w.Constraints.TokenBudget))
	}
	return nil
}
